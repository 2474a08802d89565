package dbp2p

// Logging convention in the `dbp2p` package. All logging goes through glog.
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time connect/close events that are useful for monitoring
//     this includes:
//     - connect failures and timeouts
//     - channel closes with error
//     - inbound frames that could not be decoded
//     - observer panics, which are suppressed so the receive loop keeps running
// V(1):
//     request summaries for the request executor
// V(2):
//     per frame trace, tagged with the connection id
//     - [c] connect
//     - [cs] send
//     - [cr] receive
//     - [cd] dispatch

const LogLevelRequest = 1
const LogLevelTrace = 2
