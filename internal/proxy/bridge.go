package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/josephwibowo/mantora/internal/adapter"
	"github.com/josephwibowo/mantora/internal/config"
	"github.com/josephwibowo/mantora/internal/core"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/mcp"
)

const serverName = "mantora"

// maxAgentMessageBytes bounds one newline-delimited message from the agent.
const maxAgentMessageBytes = 32 * 1024 * 1024

// Bridge is the intercepting proxy: a JSON-RPC server on the agent side, a
// client on the target side, and the guard pipeline in between. Every tool
// response is capped; in protective mode high-risk calls block until a
// human decides.
type Bridge struct {
	cfg     config.Config
	store   *db.DB
	client  *mcp.Client
	adapter adapter.Adapter
	logger  *log.Logger
	version string

	sessions *sessionManager
	recorder *stepRecorder
	blocker  *blocker

	out   io.Writer
	outMu sync.Mutex
}

// New wires a bridge from its collaborators. The client must not yet be
// initialized; Run performs the target handshake.
func New(cfg config.Config, store *db.DB, client *mcp.Client, logger *log.Logger, version string) *Bridge {
	a := adapter.Get(cfg.Target.Type)
	b := &Bridge{
		cfg:     cfg,
		store:   store,
		client:  client,
		adapter: a,
		logger:  logger.WithPrefix("bridge"),
		version: version,
	}
	b.sessions = newSessionManager(store, logger,
		time.Duration(cfg.Session.IdleTimeoutSecs)*time.Second, "", nil)
	b.recorder = newStepRecorder(store, logger, a, b.sessions)
	b.blocker = newBlocker(store, logger, time.Duration(cfg.Blocker.TimeoutSecs)*time.Second)
	return b
}

// SetSessionContext attaches repository metadata to sessions the bridge
// creates.
func (b *Bridge) SetSessionContext(clientID string, context *db.SessionContext) {
	b.sessions.clientID = clientID
	b.sessions.context = context
}

// Run serves the agent connection until EOF or ctx cancellation. The target
// handshake happens first so tools/list is answerable immediately.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	b.out = out

	if _, err := b.client.Initialize(ctx, mcp.Implementation{Name: serverName, Version: b.version}); err != nil {
		return fmt.Errorf("target handshake: %w", err)
	}
	b.logger.Info("target connected", "target_type", b.adapter.TargetType())

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxAgentMessageBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("reading agent stream: %w", err)
					}
				default:
				}
				b.logger.Info("agent disconnected")
				return nil
			}
			b.handleLine(ctx, line)
		}
	}
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(line, &req); err != nil {
		b.logger.Warn("unparseable message from agent", "error", err)
		b.writeResponse(mcp.NewErrorResponse(nil, mcp.CodeParseError, "parse error"))
		return
	}
	if req.Method == "" {
		b.writeResponse(mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "missing method"))
		return
	}

	if req.IsNotification() {
		// Notifications have no response path; relay and move on.
		if err := b.client.Notify(req.Method, req.Params); err != nil {
			b.logger.Warn("forwarding notification failed", "method", req.Method, "error", err)
		}
		return
	}

	switch req.Method {
	case "initialize":
		b.handleInitialize(req)
	case "tools/list":
		b.handleToolsList(ctx, req)
	case "tools/call":
		b.handleToolsCall(ctx, req)
	default:
		b.forwardRequest(ctx, req)
	}
}

func (b *Bridge) handleInitialize(req mcp.Request) {
	result := mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      mcp.Implementation{Name: serverName, Version: b.version},
	}
	b.respond(req.ID, result)
}

// handleToolsList merges the proxy's own tools into the target catalogue.
// Target schemas pass through byte-for-byte.
func (b *Bridge) handleToolsList(ctx context.Context, req mcp.Request) {
	targetTools, err := b.client.ListTools(ctx)
	if err != nil {
		b.logger.Error("listing target tools failed", "error", err)
		b.writeResponse(mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error()))
		return
	}
	tools := make([]mcp.Tool, 0, len(targetTools)+len(proxyTools))
	tools = append(tools, targetTools...)
	tools = append(tools, proxyTools...)
	b.respond(req.ID, mcp.ToolsListResult{Tools: tools})
}

func (b *Bridge) handleToolsCall(ctx context.Context, req mcp.Request) {
	var params mcp.ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		b.writeResponse(mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid tools/call params"))
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	result := b.handleToolCall(ctx, params.Name, params.Arguments)
	b.respond(req.ID, result)
}

// forwardRequest relays any other method to the target unchanged.
func (b *Bridge) forwardRequest(ctx context.Context, req mcp.Request) {
	raw, err := b.client.Call(ctx, req.Method, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*mcp.Error); ok {
			b.writeResponse(&mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
			return
		}
		b.writeResponse(mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error()))
		return
	}
	b.writeResponse(&mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
}

// handleToolCall routes one tool call: local lifecycle tools, the cast
// tool, or the guarded forward path. Blocking is synchronous from the
// agent's perspective; nothing returns until decided.
func (b *Bridge) handleToolCall(ctx context.Context, name string, arguments map[string]any) *mcp.CallToolResult {
	start := time.Now()
	// Pre-allocated so artifacts like casts can link to the step.
	stepID := uuid.New().String()

	if name == "session_start" || name == "session_end" || name == "session_current" {
		return b.handleSessionTool(name, arguments)
	}

	if name == "cast_table" {
		return b.handleCastCall(arguments, stepID, start)
	}

	sessionID, err := b.sessions.Ensure()
	if err != nil {
		b.logger.Error("ensuring session failed", "error", err)
		return mcp.TextResult(fmt.Sprintf("Session store unavailable: %v", err), true)
	}

	if b.cfg.Policy.ProtectiveMode {
		if refusal := b.runProtectiveChecks(ctx, sessionID, name, arguments); refusal != nil {
			return refusal
		}
	}

	target, err := b.client.CallTool(ctx, name, arguments)
	if err != nil {
		b.recorder.Record(stepInput{
			StepID:     stepID,
			SessionID:  sessionID,
			Name:       name,
			Args:       arguments,
			Result:     map[string]any{"error": err.Error()},
			Status:     db.StepStatusError,
			DurationMS: time.Since(start).Milliseconds(),
		})
		return mcp.TextResult(fmt.Sprintf("Target call failed: %v", err), true)
	}

	content, rowsShown, rowsTotal := b.capContent(target.Content)

	status := db.StepStatusOK
	if target.IsError {
		status = db.StepStatusError
	}
	b.recorder.Record(stepInput{
		StepID:     stepID,
		SessionID:  sessionID,
		Name:       name,
		Args:       arguments,
		Result:     contentPayloads(content),
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		RowsShown:  rowsShown,
		RowsTotal:  rowsTotal,
	})

	return &mcp.CallToolResult{Content: content, IsError: target.IsError}
}

// runProtectiveChecks holds unknown tools and policy-blocked SQL for
// approval. A nil return means the call may proceed.
func (b *Bridge) runProtectiveChecks(ctx context.Context, sessionID, name string, arguments map[string]any) *mcp.CallToolResult {
	if !core.IsKnownSafeTool(name, b.adapter, arguments) {
		refusal, err := b.blocker.Hold(ctx, unknownToolApproval(sessionID, name, arguments))
		if err != nil {
			b.logger.Error("approval pipeline failed", "tool", name, "error", err)
			return mcp.TextResult(fmt.Sprintf("Approval unavailable: %v", err), true)
		}
		if refusal != nil {
			return refusal
		}
	}

	sql := adapter.ExtractSQL(arguments)
	if sql == "" {
		return nil
	}
	block, reason := core.ShouldBlockSQL(sql, b.cfg.Policy)
	if !block {
		return nil
	}

	refusal, err := b.blocker.Hold(ctx, guardApproval(sessionID, name, sql, reason, b.cfg.Policy))
	if err != nil {
		b.logger.Error("approval pipeline failed", "tool", name, "error", err)
		return mcp.TextResult(fmt.Sprintf("Approval unavailable: %v", err), true)
	}
	return refusal
}

func (b *Bridge) handleCastCall(arguments map[string]any, stepID string, start time.Time) *mcp.CallToolResult {
	arguments["origin_step_id"] = stepID

	result, err := b.castTable(arguments, stepID)
	if err != nil {
		b.logger.Error("cast_table failed", "error", err)
		if sessionID := b.sessions.Current(); sessionID != "" {
			b.recorder.Record(stepInput{
				StepID:     stepID,
				SessionID:  sessionID,
				Name:       "cast_table",
				Args:       redactCastTableArgs(arguments),
				Result:     map[string]any{"error": err.Error()},
				Status:     db.StepStatusError,
				DurationMS: time.Since(start).Milliseconds(),
			})
		}
		return mcp.TextResult(fmt.Sprintf("cast_table failed: %v", err), true)
	}

	rowsShown := int64(result["rows_shown"].(int))
	rowsTotal := int64(result["total_rows"].(int))
	b.recorder.Record(stepInput{
		StepID:     stepID,
		SessionID:  b.sessions.Current(),
		Name:       "cast_table",
		Args:       redactCastTableArgs(arguments),
		Result:     result,
		Status:     db.StepStatusOK,
		DurationMS: time.Since(start).Milliseconds(),
		RowsShown:  &rowsShown,
		RowsTotal:  &rowsTotal,
	})

	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.TextResult(fmt.Sprintf("cast_table failed: %v", err), true)
	}
	return mcp.TextResult(string(payload), false)
}

// capContent applies the preview caps to every text block. JSON row lists
// cap by rows and columns then bytes; plain text caps by bytes. Non-text
// blocks pass through untouched. Returns the row counts when a tabular cap
// applied, for the step record.
func (b *Bridge) capContent(content []mcp.Content) ([]mcp.Content, *int64, *int64) {
	caps := b.cfg.Limits.Caps()
	var rowsShown, rowsTotal *int64

	capped := make([]mcp.Content, len(content))
	for i, block := range content {
		capped[i] = block
		if block.Type != "text" {
			continue
		}

		text, note, shown, total := capTextBlock(block.Text, caps)
		capped[i].Text = text
		if note != "" {
			capped = append(capped, mcp.Content{Type: "text", Text: note})
		}
		if shown != nil && rowsShown == nil {
			rowsShown, rowsTotal = shown, total
		}
	}
	return capped, rowsShown, rowsTotal
}

// capTextBlock caps one text payload and returns the replacement text, a
// truncation note ("" when nothing was cut), and row counts for tabular
// payloads.
func capTextBlock(text string, caps core.CapsConfig) (string, string, *int64, *int64) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return capJSONBlock(text, parsed, caps)
		}
	}

	capped, truncated := core.CapText(text, caps.MaxBytes)
	if !truncated {
		return text, "", nil, nil
	}
	result := core.CappedResult{BytesTruncated: true}
	return capped, result.TruncationSummary(), nil, nil
}

func capJSONBlock(original string, parsed any, caps core.CapsConfig) (string, string, *int64, *int64) {
	result := core.CapPreview(parsed, caps)

	var shown, total *int64
	if rows, ok := parsed.([]any); ok {
		if kept, ok := result.Data.([]map[string]any); ok {
			s, t := int64(len(kept)), int64(len(rows))
			shown, total = &s, &t
		}
	}

	text := original
	if result.RowsTruncated || result.ColumnsTruncated {
		data, err := json.Marshal(result.Data)
		if err != nil {
			return original, "", nil, nil
		}
		text = string(data)
	}

	capped, bytesTruncated := core.CapText(text, caps.MaxBytes)
	result.BytesTruncated = bytesTruncated

	if !result.WasTruncated() {
		return original, "", shown, total
	}
	return capped, result.TruncationSummary(), shown, total
}

// contentPayloads renders content blocks as plain maps for step storage, so
// error sniffing sees the same shape the agent received.
func contentPayloads(content []mcp.Content) []any {
	payloads := make([]any, len(content))
	for i, block := range content {
		payloads[i] = map[string]any{"type": block.Type, "text": block.Text}
	}
	return payloads
}

func (b *Bridge) respond(id json.RawMessage, result any) {
	resp, err := mcp.NewResponse(id, result)
	if err != nil {
		b.logger.Error("encoding response failed", "error", err)
		b.writeResponse(mcp.NewErrorResponse(id, mcp.CodeInternalError, "encoding response failed"))
		return
	}
	b.writeResponse(resp)
}

func (b *Bridge) writeResponse(resp *mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("marshaling response failed", "error", err)
		return
	}
	data = append(data, '\n')

	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(data); err != nil {
		b.logger.Error("writing to agent failed", "error", err)
	}
}
