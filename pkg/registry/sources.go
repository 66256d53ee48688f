package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// serverEntry is the per-server object shared by every client format.
type serverEntry struct {
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args" yaml:"args"`
	Env       map[string]string `json:"env" yaml:"env"`
	Type      string            `json:"type" yaml:"type"`
	URL       string            `json:"url" yaml:"url"`
	ServerURL string            `json:"serverUrl" yaml:"serverUrl"`
}

func (e serverEntry) remote() bool {
	switch strings.ToLower(e.Type) {
	case "sse", "http", "streamable-http", "streamablehttp", "websocket":
		return true
	}
	return e.Command == "" && (e.URL != "" || e.ServerURL != "")
}

type namedEntry struct {
	name  string
	entry serverEntry
}

// sourceAdapter turns one client's configuration file into definitions.
type sourceAdapter interface {
	source() Source
	// candidates lists the files to try in order; the first that exists wins.
	candidates(r *Registry) []string
	parse(path string, data []byte) ([]namedEntry, error)
}

func adapterFor(src Source) sourceAdapter {
	switch src {
	case SourceClaude:
		return claudeAdapter{}
	case SourceCursor:
		return mapAdapter{src: SourceCursor, rel: []string{".cursor", "mcp.json"}}
	case SourceContinue:
		return continueAdapter{}
	case SourceMCPTunnel:
		return mapAdapter{src: SourceMCPTunnel, rel: []string{".mcptunnel", "servers.json"}}
	default:
		return nil
	}
}

// mapAdapter handles files shaped {"mcpServers": {name: {command, args, env}}}.
type mapAdapter struct {
	src Source
	rel []string
}

func (a mapAdapter) source() Source { return a.src }

func (a mapAdapter) candidates(r *Registry) []string {
	return []string{filepath.Join(append([]string{r.opts.Home}, a.rel...)...)}
}

func (a mapAdapter) parse(_ string, data []byte) ([]namedEntry, error) {
	return parseServerMapDocument(data)
}

type claudeAdapter struct{}

func (claudeAdapter) source() Source { return SourceClaude }

func (claudeAdapter) candidates(r *Registry) []string {
	const file = "claude_desktop_config.json"
	switch r.opts.GOOS {
	case "darwin":
		return []string{filepath.Join(r.opts.Home, "Library", "Application Support", "Claude", file)}
	case "windows":
		appData := r.opts.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(r.opts.Home, "AppData", "Roaming")
		}
		return []string{filepath.Join(appData, "Claude", file)}
	default:
		base := r.opts.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(r.opts.Home, ".config")
		}
		return []string{filepath.Join(base, "Claude", file)}
	}
}

func (claudeAdapter) parse(_ string, data []byte) ([]namedEntry, error) {
	return parseServerMapDocument(data)
}

// continueAdapter reads Continue's JSON config, which has carried servers as a
// map, as a list, and under experimental.modelContextProtocolServers, and
// falls back to the YAML config introduced later.
type continueAdapter struct{}

func (continueAdapter) source() Source { return SourceContinue }

func (continueAdapter) candidates(r *Registry) []string {
	dir := filepath.Join(r.opts.Home, ".continue")
	return []string{filepath.Join(dir, "config.json"), filepath.Join(dir, "config.yaml")}
}

func (continueAdapter) parse(path string, data []byte) ([]namedEntry, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		return parseContinueYAML(data)
	}
	var doc struct {
		MCPServers   json.RawMessage `json:"mcpServers"`
		Experimental struct {
			ModelContextProtocolServers []struct {
				Name      string      `json:"name"`
				Transport serverEntry `json:"transport"`
			} `json:"modelContextProtocolServers"`
		} `json:"experimental"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var entries []namedEntry
	raw := bytes.TrimSpace(doc.MCPServers)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '{':
		parsed, err := decodeServerObject(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	case raw[0] == '[':
		var list []serverEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf(`"mcpServers": %w`, err)
		}
		entries = append(entries, nameListEntries(list, len(entries))...)
	default:
		return nil, errors.New(`"mcpServers" must be an object or a list`)
	}
	legacy := doc.Experimental.ModelContextProtocolServers
	for i, item := range legacy {
		entry := item.Transport
		entry.Name = item.Name
		if entry.Name == "" {
			entry.Name = fmt.Sprintf("continue-%d", len(entries)+i+1)
		}
		entries = append(entries, namedEntry{name: entry.Name, entry: entry})
	}
	return entries, nil
}

func parseContinueYAML(data []byte) ([]namedEntry, error) {
	var doc struct {
		MCPServers []serverEntry `yaml:"mcpServers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return nameListEntries(doc.MCPServers, 0), nil
}

func nameListEntries(list []serverEntry, offset int) []namedEntry {
	out := make([]namedEntry, 0, len(list))
	for i, entry := range list {
		name := entry.Name
		if name == "" {
			name = fmt.Sprintf("continue-%d", offset+i+1)
		}
		out = append(out, namedEntry{name: name, entry: entry})
	}
	return out
}

func parseServerMapDocument(data []byte) ([]namedEntry, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("top-level value must be an object")
	}
	raw := bytes.TrimSpace(doc["mcpServers"])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	return decodeServerObject(raw)
}

// decodeServerObject walks the mcpServers object token by token so that
// declaration order is kept and a repeated key is reported instead of the
// last value silently winning.
func decodeServerObject(raw []byte) ([]namedEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New(`"mcpServers" must be an object`)
	}
	var entries []namedEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in mcpServers", tok)
		}
		var entry serverEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		entries = append(entries, namedEntry{name: name, entry: entry})
	}
	return entries, nil
}
