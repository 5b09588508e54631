/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package taskqueue provides a queue for background work submitted by request handlers.
//
// Every task is tagged with a group key. Tasks of the same group run strictly one after another
// in submission order, tasks of different groups run concurrently, and the total number of
// tasks running at the same time never exceeds the configured bound.
//
// Submission never blocks: the task is registered as Pending, appended to the group FIFO,
// and a worker for the group is started if there is none. The worker exits once the group
// queue stays empty for the idle timeout and is started again by the next submission.
//
// Every task ends up Completed or Failed, including tasks cancelled by Shutdown,
// so failures of fire-and-forget work stay observable through StatusOf and WaitFor.
package taskqueue
