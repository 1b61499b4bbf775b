//go:build !embedstatic
// +build !embedstatic

package api

import "net/http"

// staticFs serves the dashboard assets straight from the working tree.
// Production builds embed them instead (see assets_statik.go).
func staticFs() (http.FileSystem, error) {
	return http.Dir("public"), nil
}
