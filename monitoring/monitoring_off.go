// +build !monitoring

package monitoring

// Enabled specifies that the library was not built with the monitoring tag
// so Prometheus metrics should not be exported automatically.
const Enabled = false

// Start is required for the library to compile so that Prometheus metric
// exporting can be hidden behind a build tag.
func Start(_ *PrometheusConfig) {}

// BlockConnected is a no-op unless built with the monitoring tag.
func BlockConnected() {}

// BlockDisconnected is a no-op unless built with the monitoring tag.
func BlockDisconnected() {}

// PollCompleted is a no-op unless built with the monitoring tag.
func PollCompleted() {}
