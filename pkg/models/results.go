package models

// ToolRunRecord describes one tool execution. Captured output of tainted runs
// is staged separately and is not part of the record.
type ToolRunRecord struct {
	RunID               string `json:"run_id"`
	Tool                string `json:"tool"`
	Code                int    `json:"code"`
	BytesStdout         int    `json:"bytes_stdout"`
	BytesStderr         int    `json:"bytes_stderr"`
	Tainted             bool   `json:"tainted"`
	DisclosureAvailable bool   `json:"disclosure_available"`
	Truncated           bool   `json:"truncated"`
	TimedOut            bool   `json:"timed_out,omitempty"`
}

// WebResponse is the result of a completed upstream call. Upstream 4xx/5xx
// statuses are returned here, not raised.
type WebResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	ByteCount int               `json:"bytes"`
	Truncated bool              `json:"truncated,omitempty"`
}
