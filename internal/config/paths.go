package config

import "path/filepath"

// On-disk layout under the data directory:
//
//	data/
//	  memory/
//	    episodic.db
//	    archives/archive_YYYY_MM.db
//	    vector.db
//	    messages.db
//	    proposals.db
//	    registry.json
//	  logs/
//	  inbox.txt
//	  outbox.txt
//	  usage.json
//	  config.yaml

// MemoryDir returns the directory holding all persistent stores.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.Agent.DataDir, "memory")
}

// ArchivesDir returns the directory holding monthly episode archives.
func (c *Config) ArchivesDir() string {
	return filepath.Join(c.MemoryDir(), "archives")
}

// EpisodicDBPath returns the primary episodic store path.
func (c *Config) EpisodicDBPath() string {
	return filepath.Join(c.MemoryDir(), "episodic.db")
}

// VectorDBPath returns the vector store path.
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.MemoryDir(), "vector.db")
}

// MessagesDBPath returns the inter-agent message bus path.
func (c *Config) MessagesDBPath() string {
	return filepath.Join(c.MemoryDir(), "messages.db")
}

// ProposalsDBPath returns the consensus proposal store path.
func (c *Config) ProposalsDBPath() string {
	return filepath.Join(c.MemoryDir(), "proposals.db")
}

// RegistryPath returns the shared agent registry path.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.MemoryDir(), "registry.json")
}

// InboxPath returns the user-to-agent inbox file path.
func (c *Config) InboxPath() string {
	return filepath.Join(c.Agent.DataDir, "inbox.txt")
}

// OutboxPath returns the agent-to-user outbox file path.
func (c *Config) OutboxPath() string {
	return filepath.Join(c.Agent.DataDir, "outbox.txt")
}

// LogsDir returns the category log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Agent.DataDir, "logs")
}

// UsagePath returns the persisted LLM usage counters path.
func (c *Config) UsagePath() string {
	return filepath.Join(c.Agent.DataDir, "usage.json")
}

// ConfigPath returns the conventional config file location under the
// data directory.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.Agent.DataDir, "config.yaml")
}
