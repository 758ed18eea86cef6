// Package session mirrors live WebSocket sessions into Redis so that other
// services can see which user a session belongs to and which relay instance
// holds it. The relay's own presence decisions never depend on this mirror.
package session
