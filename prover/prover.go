// Package prover defines the contract with the zero-knowledge proving
// engine. The engine itself is opaque to this repository: it takes the
// decrypted execution steps and returns proof bytes.
package prover

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Func is the opaque proving engine. It is effectively single-threaded per
// process (the engine holds exclusive use of constrained working memory), so
// callers should not assume unlimited concurrent throughput.
type Func func(ctx context.Context, input []byte) ([]byte, error)

// inputSchema describes the decrypted proving-input payload. Validating
// before the engine sees it keeps malformed plaintext from crashing the
// prover mid-run.
const inputSchema = `{
	"type": "object",
	"required": ["version", "steps"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["opcode"],
				"properties": {
					"opcode": {"type": "string", "minLength": 1},
					"operands": {"type": "array"},
					"memory": {"type": "string"}
				}
			}
		},
		"publicInputs": {"type": "array", "items": {"type": "string"}}
	}
}`

var schema = gojsonschema.NewStringLoader(inputSchema)

// ValidateInput checks a decrypted proving-input payload against the
// execution-steps schema.
func ValidateInput(input []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(input))
	if err != nil {
		return fmt.Errorf("proving input is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("proving input rejected: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// External wraps an out-of-process proving engine: input on stdin, proof
// bytes on stdout.
func External(command string, args ...string) Func {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("prover engine failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), nil
	}
}
