// Package registry discovers the MCP servers a developer has already
// configured for local AI clients and normalizes them into Definitions.
//
// # Sources
//
// Each Source has its own adapter because the clients disagree on file
// location and, for Continue, on shape:
//
//   - SourceClaude reads Claude Desktop's claude_desktop_config.json.
//   - SourceCursor reads ~/.cursor/mcp.json.
//   - SourceContinue reads ~/.continue/config.json (map, list, or the legacy
//     experimental.modelContextProtocolServers form) and falls back to
//     ~/.continue/config.yaml.
//   - SourceMCPTunnel reads ~/.mcptunnel/servers.json.
//
// Sources are always parsed in Priority order and servers are sorted by name
// inside a source, so two loads over the same files return the same slice.
// A missing file is not an error. Malformed or unreadable files produce
// *ConfigParseError and *ConfigUnreadableError; a name declared twice inside
// one source produces *DuplicateServerNameError. Load keeps going after a
// failing source and returns every failure joined with errors.Join.
package registry
