package config

import (
	"fmt"
	"os"
)

const sampleTOML = `# diffcritic configuration.
# Environment variables (GITLAB_TOKEN, GLM_API_KEY, ...) override these values.

[gitlab]
api_url = "https://gitlab.com/api/v4"
token = ""

[glm]
api_url = "https://open.bigmodel.cn/api/paas/v4"
api_key = ""
model = "glm-4"
temperature = 0.3
max_tokens = 4000

[review]
max_concurrent_reviews = 3
concurrent_glm_requests = 5
api_request_delay = 0.5
timeout_seconds = 300
chunk_timeout = 120.0

[chunk]
max_diff_size = 500000
max_files_per_chunk = 10
max_chunks = 10
max_chunk_tokens = 8000

[webhook]
enabled = true
secret = ""
trigger_actions = ["open", "update", "reopen"]
skip_draft = true
skip_wip = true

[dedup]
enabled = true
commit_ttl_seconds = 86400
bot_username = ""
cleanup_policy = "delete_summary_only"

[server]
port = 8080
shutdown_grace_seconds = 30

[log]
level = "info"
format = "console"
`

// WriteSample writes the starter TOML to path, refusing to overwrite an
// existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(sampleTOML), 0o644)
}
