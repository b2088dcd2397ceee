package main

import "net/http"

// httpDoer is the client contract waitForEndpoint probes the agent with.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}
