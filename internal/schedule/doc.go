// Package schedule decides when workflows run and hands due ones to the
// queue through a creation callback. It owns the schedule definitions,
// their persistence blobs, and the tick loop; executing the resulting jobs
// is the dispatcher's business.
package schedule
