package headapi

import (
	"io"
	"net/http"
)

// readAndRestoreBody reads r.Body fully. The head never needs to read a
// request body twice, but the name documents intent for future handlers
// that might add body-based routing before relaying.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
