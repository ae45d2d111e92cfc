package toolprovider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/hostbridge/internal/calc"
)

// weather is the canned forecast table served by get_weather.
var weather = map[string]string{
	"San Francisco": "Sunny, 72°F (22°C)",
	"New York":      "Cloudy, 65°F (18°C)",
	"London":        "Rainy, 55°F (13°C)",
	"Tokyo":         "Clear, 68°F (20°C)",
}

// Weather returns the forecast for city, or a default for unknown cities.
func Weather(city string) string {
	if w, ok := weather[city]; ok {
		return w
	}
	return fmt.Sprintf("Weather data not available for %s. Showing default: Partly cloudy, 70°F (21°C)", city)
}

// Calculate evaluates an arithmetic expression.
func Calculate(expression string) (string, error) {
	v, err := calc.Evaluate(expression)
	if err != nil {
		return "", fmt.Errorf("calculating expression: %w", err)
	}
	return "The result is: " + calc.Format(v), nil
}

// Default returns a server with get_weather and calculate registered.
func Default(version string, logger *slog.Logger) (*Server, error) {
	s := NewServer(DefaultName, version, logger)

	tools := []Tool{
		{
			Name:        "get_weather",
			Description: "Get the current weather for a city.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{
						"type":        "string",
						"description": "The name of the city to get weather for",
					},
				},
				"required": []any{"city"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				return Weather(args["city"].(string)), nil
			},
		},
		{
			Name:        "calculate",
			Description: "Safely evaluate a mathematical expression using +, -, *, / and parentheses.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": `A mathematical expression (e.g., "2 + 2", "10 * 5")`,
					},
				},
				"required": []any{"expression"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				return Calculate(args["expression"].(string))
			},
		},
	}

	for _, t := range tools {
		if err := s.Register(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}
