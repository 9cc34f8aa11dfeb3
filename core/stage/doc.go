// Package stage implements per-conversation finite-state engines for
// Telegram bots. A stage is a sequence of named steps bound to a chat
// and/or user; the engine subscribes to a live update stream, screens
// incoming updates against its scope, and hands matching ones to the
// step that asked for them.
package stage
