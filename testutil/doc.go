// Package testutil provides in-memory stand-ins for the NATS client and
// polling helpers for tests that observe asynchronous publishes.
//
// MockNATSClient matches the Publish and Subscribe signatures of
// natsclient.Client, so it satisfies the small publisher interfaces that the
// transport, scene and gateway packages accept. Handlers run synchronously on
// the publishing goroutine.
//
// Prefer a real server from natsclient.NewTestClient for integration tests;
// those run under the integration build tag.
package testutil
