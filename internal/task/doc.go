// Package task defines the domain task union handled by the worker loops.
//
// Every request is turned into exactly one immutable task by an explicit
// factory (NewGitTask, NewFileTask, NewBuildTask). The task carries the process
// reference id issued by the registry, whether the caller waits for the result,
// and the human-readable messages stored on the record while it is in progress
// or when it is cancelled.
//
// Tasks are grouped by Domain. Tasks of one domain run strictly one after the
// other in submission order; tasks of different domains run concurrently.
package task
