// Package config loads CoalescingConfig from a JSON file using
// sugawarayuuta/sonnet, the same fast drop-in encoding/json replacement
// the teacher uses in syncharvester.go to decode Ethereum JSON-RPC
// responses (sonnet.Unmarshal(responseBuffers[0][:bytesRead],
// &blockResponse)). Here it decodes a small, static config file once at
// startup rather than a high-rate RPC stream, but the decode call is
// the same drop-in replacement for encoding/json.Unmarshal.
package config

import (
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"
)

// CoalescingConfig carries the tunables spec.md §6 names under
// counter_coalesced_message_type_gen and relative_velocity_heuristic_gen.
type CoalescingConfig struct {
	// CoalescingSize is the fixed per-destination buffer capacity;
	// must be positive.
	CoalescingSize int `json:"coalescing_size"`
	// Priority is the scheduler priority passed to message-type
	// creation, 0 or 1.
	Priority int `json:"priority"`
	// Heuristic selects "default" or "relative_velocity"; empty
	// defaults to "default".
	Heuristic string `json:"heuristic"`
	// VelocityThreshold is msg_count_thres for the relative_velocity
	// heuristic; 0 uses heuristic.DefaultThreshold.
	VelocityThreshold uint64 `json:"velocity_threshold"`
}

// Default returns the configuration counter_coalesced_message_type_gen's
// C++ constructor would produce: a default (never-early-flush)
// heuristic and priority 0. CoalescingSize has no sensible default and
// must be set by the caller.
func Default(coalescingSize int) CoalescingConfig {
	return CoalescingConfig{
		CoalescingSize: coalescingSize,
		Priority:       0,
		Heuristic:      "default",
	}
}

// Load reads and decodes a CoalescingConfig from path, applying the
// same defaults Default would for any field the file omits.
func Load(path string) (CoalescingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CoalescingConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := CoalescingConfig{Priority: 0, Heuristic: "default"}
	if err := sonnet.Unmarshal(data, &cfg); err != nil {
		return CoalescingConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.CoalescingSize <= 0 {
		return CoalescingConfig{}, fmt.Errorf("config: %s: coalescing_size must be positive, got %d", path, cfg.CoalescingSize)
	}
	if cfg.Priority != 0 && cfg.Priority != 1 {
		return CoalescingConfig{}, fmt.Errorf("config: %s: priority must be 0 or 1, got %d", path, cfg.Priority)
	}
	return cfg, nil
}
