// Package gemini implements the skin analysis and face detection handlers
// using Google's Gemini API.
//
// This package is an infrastructure adapter. It translates queue payloads into
// multimodal Gemini requests and the model's JSON answers back into domain
// results, without exposing the details of the external service to the queue.
//
// Key components:
//
// 1. Analyzer:
//   - AnalyzeSkin and DetectFaces have the shape of queue handlers
//   - Requests JSON output so responses decode into domain types
//
// 2. Prompt Management:
//   - Prompts are compiled templates filled from the request
//
// 3. Error Classification:
//   - Rate limiting and server errors are marked transient
//   - Safety blocks, malformed responses and rejected requests are permanent
//   - API errors expose their HTTP status for status-based retry policies
//
// Retries and circuit breaking are not handled here; the queue applies them
// around each call.
package gemini
