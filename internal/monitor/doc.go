// Package monitor defines the domain types, ports and error taxonomy shared by the
// change-detection pipeline: the lease manager, the baseline checker, the diff engine
// and the change recorder.
package monitor
