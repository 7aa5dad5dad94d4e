// Package exec forwards code to an external sandboxed execution service
// (Piston-compatible) and normalizes the result. It holds no state; each
// request is isolated.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syncode/syncode/internal/domain"
)

var ErrUnsupportedLanguage = errors.New("language is not supported")

// runtimeSpec pins the upstream runtime for each language we expose.
type runtimeSpec struct {
	language  string
	version   string
	extension string
}

var runtimes = map[domain.Language]runtimeSpec{
	domain.LangJavaScript: {"javascript", "18.15.0", "js"},
	domain.LangPython:     {"python", "3.10.0", "py"},
	domain.LangJava:       {"java", "15.0.2", "java"},
	domain.LangCPP:        {"cpp", "10.2.0", "cpp"},
}

// Result is the normalized execution outcome, as clients see it.
type Result struct {
	Success           bool   `json:"success"`
	Output            string `json:"output"`
	Error             string `json:"error,omitempty"`
	IsPreview         bool   `json:"isPreview,omitempty"`
	RenderableContent string `json:"renderableContent,omitempty"`
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin,omitempty"`
	CompileTimeout int          `json:"compile_timeout"`
	RunTimeout     int          `json:"run_timeout"`
}

type pistonResponse struct {
	Run *struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Code   int    `json:"code"`
	} `json:"run"`
}

type Bridge struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Execute runs code in the given language. Markup languages short-circuit
// to a preview result without touching the network. Upstream failures are
// returned as errors, never masked as empty output.
func (b *Bridge) Execute(ctx context.Context, lang domain.Language, code, stdin string) (*Result, error) {
	if lang.Markup() {
		content := code
		if lang == domain.LangCSS {
			content = "<style>" + code + "</style>"
		}
		return &Result{
			Success:           true,
			Output:            "Preview generated successfully",
			IsPreview:         true,
			RenderableContent: content,
		}, nil
	}

	rt, ok := runtimes[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}

	body, err := json.Marshal(pistonRequest{
		Language: rt.language,
		Version:  rt.version,
		Files: []pistonFile{
			{Name: "main." + rt.extension, Content: code},
		},
		Stdin:          stdin,
		CompileTimeout: 10000,
		RunTimeout:     3000,
	})
	if err != nil {
		return nil, fmt.Errorf("encode execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Info().Str("module", "exec").Str("language", string(lang)).Int("code_len", len(code)).Msg("executing code")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execution service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("execution service returned status %d", resp.StatusCode)
	}

	var pr pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("malformed execution response: %w", err)
	}
	if pr.Run == nil {
		return nil, errors.New("malformed execution response: missing run result")
	}

	output := pr.Run.Stdout
	if output == "" {
		output = pr.Run.Stderr
	}
	if output == "" {
		output = "Code executed successfully (no output)"
	}

	return &Result{
		Success: true,
		Output:  output,
		Error:   pr.Run.Stderr,
	}, nil
}
