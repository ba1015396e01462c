// Package async provides a small Future abstraction for running work off the
// caller's path while retaining the ability to await or time-bound the
// result. The billing notification fan-out uses it to keep slow providers
// off the event-processing path.
package async
