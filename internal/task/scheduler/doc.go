// Package scheduler keeps named jobs and fires them on an injected clock.
//
// The scheduler is responsible only for:
//   - registering jobs (absolute or weekly)
//   - computing next fire times
//   - enqueueing fired actions into the task engine
//
// Actions are plain values. The function that runs an action is looked up by
// its kind when the job fires, so handlers can be bound after jobs exist.
package scheduler
