package store

import (
	"encoding/json"
	"fmt"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

func encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return payload, nil
}

func decodeComponent(payload []byte) (component.Component, error) {
	var c component.Component
	if err := json.Unmarshal(payload, &c); err != nil {
		return component.Component{}, fmt.Errorf("decode component: %w", err)
	}
	return c, nil
}

func decodeCycle(payload []byte) (EvolutionCycle, error) {
	var cycle EvolutionCycle
	if err := json.Unmarshal(payload, &cycle); err != nil {
		return EvolutionCycle{}, fmt.Errorf("decode evolution cycle: %w", err)
	}
	return cycle, nil
}
