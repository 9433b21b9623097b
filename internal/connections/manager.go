package connections

import (
	"sync"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/gorilla/websocket"
)

// TimeoutConfig holds the keepalive settings for bridged backend sockets
type TimeoutConfig struct {
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// DefaultTimeouts pings every 30s, matching the backend's idle cutoff
var DefaultTimeouts = TimeoutConfig{
	PingPeriod: 30 * time.Second,
	WriteWait:  10 * time.Second,
}

// Manager tracks live backend sockets per guild
type Manager struct {
	mu          sync.RWMutex
	connections map[*websocket.Conn]auth.Snowflake
	timeouts    TimeoutConfig
}

func NewManager(timeouts TimeoutConfig) *Manager {
	return &Manager{
		connections: make(map[*websocket.Conn]auth.Snowflake),
		timeouts:    timeouts,
	}
}

func (m *Manager) AddConnection(conn *websocket.Conn, guildID auth.Snowflake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn] = guildID
}

func (m *Manager) RemoveConnection(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, conn)
}

func (m *Manager) HasConnection(conn *websocket.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.connections[conn]
	return exists
}

func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GuildConnectionCount returns how many browsers are watching guildID
func (m *Manager) GuildConnectionCount(guildID auth.Snowflake) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.connections {
		if id == guildID {
			count++
		}
	}
	return count
}

func (m *Manager) GetTimeouts() TimeoutConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeouts
}

func (m *Manager) SetTimeouts(timeouts TimeoutConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = timeouts
}
