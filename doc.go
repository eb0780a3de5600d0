// Package manifold unifies heterogeneous AI provider APIs behind one
// client, driven entirely by provider manifests.
//
// A manifest is a YAML (or compiled JSON) document describing one
// provider's API surface: endpoint, authentication, parameter
// mappings, capabilities, streaming decode rules, and error
// classification. The runtime interprets manifests at call time, so
// adding a provider means writing a file, not code.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/manifold/cmd/manifold@latest
//
// Point it at a protocol tree and chat:
//
//	export AI_PROTOCOL_DIR=./ai-protocol
//	export OPENAI_API_KEY=sk-...
//	manifold chat openai/gpt-4o "hello"
//
// # Using as Go Library
//
//	c, err := client.New("openai/gpt-4o",
//	    client.WithFallbacks("anthropic/claude-3-5-sonnet-20241022"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Chat().User("hello").Execute(ctx)
//
// The layers are importable on their own:
//
//	import (
//	    "github.com/kadirpekel/manifold/pkg/client"     // orchestration
//	    "github.com/kadirpekel/manifold/pkg/manifest"   // store, validation, hot reload
//	    "github.com/kadirpekel/manifold/pkg/compiler"   // request compilation
//	    "github.com/kadirpekel/manifold/pkg/pipeline"   // stream decoding
//	    "github.com/kadirpekel/manifold/pkg/resilience" // limiter, breaker, retry
//	)
//
// # Key Features
//
//   - Declarative provider manifests with JSON Schema validation
//   - Unified streaming events across SSE and NDJSON dialects
//   - Classified errors with per-code retry and fallback semantics
//   - Token bucket, circuit breaker, and fallback chains on every call
//   - Hot manifest reload via filesystem watching
package manifold
