package frontend

import (
	"net/http"
	"os"
)

// Handler serves the viewer from dir when it names an existing directory,
// otherwise from the embedded copy. It returns nil when neither is available.
func Handler(dir string) http.Handler {
	if dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return http.FileServer(http.Dir(dir))
		}
	}
	return Embedded()
}
