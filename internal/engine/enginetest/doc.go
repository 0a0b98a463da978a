// Package enginetest provides a fake engine.Factory for tests. Sessions are
// driven by the test: EmitArtifact, EmitOpen, EmitClose and EmitMessage push
// events, and the recorded sends, lookups and presence updates can be read
// back.
package enginetest
