package backend

// Input describes a single API action for a Runner to execute.
type Input struct {
	// App and Action select the server endpoint, e.g. "files"/"getfolder".
	App    string
	Action string

	// Params are form-style key/value parameters.
	Params map[string]string

	// Files maps a form parameter name to an attached file body, sent as a
	// multipart part.
	Files map[string]FileData

	// Idempotent marks the action safe to retry on transport failures.
	Idempotent bool
}

// FileData is a file body attached to an Input.
type FileData struct {
	Name string
	Data []byte
}

// NewInput builds an Input with the given params, flattened from pairs.
func NewInput(app, action string, pairs ...string) Input {
	params := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		params[pairs[i]] = pairs[i+1]
	}
	return Input{App: app, Action: action, Params: params}
}
