// Package model defines the provider-agnostic abstractions for invoking
// language model backends from the orchestrator.
//
// Core goals:
//   - Single-attempt Invoke contract; retries live with the caller
//   - Normalized tool / function call representation (ToolDefinition, ToolCallRequest)
//   - Minimal, transport-independent request/response shapes
//   - Lightweight mocking for tests (MockModel with a scripted response queue)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so higher layers (orchestrator, coordinator) remain decoupled from
// vendor SDKs.
package model
