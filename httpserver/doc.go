/*
Package httpserver exposes a provisioning station over HTTP.

A line operator (or a jig controller) plugs a device into the station and
calls the provisioning endpoint. The server runs one provisioning pipeline
at a time; a second request while a run is in progress is refused.

# Endpoints

  - POST /api/v1/provision runs the pipeline once and returns the record
  - GET  /api/v1/status returns the record of the last run
  - GET  /api/v1/serial returns the current serial counter and its successor
  - GET  /api/v1/records/{id} returns an archived record by content ID
  - GET  /livez, /readyz liveness and readiness
  - GET  /drain, /undrain toggle readiness; a draining station refuses runs

Metrics are served on a separate listener when MetricsAddr is set.
*/
package httpserver
