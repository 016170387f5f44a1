package api

import (
	"archive/zip"
	"bytes"
	"net/http"
)

var templateFiles = []struct {
	name    string
	content string
}{
	{"handler.py", `def handler(input):
    """Entry point. Receives the request input as a dict, returns a dict."""
    return {"echo": input}
`},
	{"requirements.txt", `# One package per line, pip requirement syntax.
`},
	{"README.md", `# Module

Describe what this module does and the shape of its input and output.
`},
}

// handleModuleTemplate streams a zip skeleton a module author can start from.
func (s *Server) handleModuleTemplate(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, tf := range templateFiles {
		f, err := zw.Create(tf.name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if _, err := f.Write([]byte(tf.content)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="module_template.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
