// Package mistral is an llm.Completer backed by the Mistral HTTP API.
//
// # Routing
//
// Complete picks an endpoint from the request's capabilities:
//
//   - image_generation: POST /v1/conversations with the image tool. The
//     generated file is fetched from /v1/files/{id}/content into ImageDir
//     and its path returned as a ResultImage.
//   - document_library: the user's library agent is looked up, or created
//     with POST /v1/agents over Config.DocumentLibraries (every library
//     from GET /v1/libraries when none are configured). The prompt is
//     then sent with POST /v1/conversations naming that agent. A failed
//     query forgets the agent.
//   - web_search or code_interpreter, with no custom functions:
//     POST /v1/conversations with those tools. Text outputs are joined.
//   - anything else: POST /v1/chat/completions with the history, sampling
//     parameters and custom functions. Tool calls come back as
//     ResultToolCalls.
//
// # Errors
//
// Every failure is an *llm.Error. HTTP statuses map to kinds: 401 and 403
// are auth, 429 is rate_limit, 408 and 504 are timeout, other 5xx are
// server and other 4xx are bad_request. Transport failures are network,
// or timeout when a deadline expired. Undecodable bodies are unknown.
//
// The client owns its own timeout (Config.Timeout, default 60s).
package mistral
