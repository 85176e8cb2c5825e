package scraper

import "github.com/iiviie/go-harvester/internal/models"

// Flatten turns a thread into its flat form: the submission first, then
// every comment level by level, top-level comments first. Each comment keeps
// the parent_id and depth Reddit reported, so a consumer can rebuild the
// tree with one pass over the list. Stubs are not emitted.
func Flatten(t *models.Thread) models.RecordList {
	list := make(models.RecordList, 0, 1+max(t.Submission.NumComments, 0))
	list = append(list, models.SubmissionRecord(t.Submission))

	queue := append([]*models.Node(nil), t.Replies...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		list = append(list, models.CommentRecord(n.Comment))
		queue = append(queue, n.Replies...)
	}
	return list
}
