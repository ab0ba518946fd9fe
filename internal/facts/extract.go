package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"devloop/internal/llm"
	"devloop/internal/logging"
)

// ExtractedFact is one candidate memory from the extraction LLM.
type ExtractedFact struct {
	Type       MemoryType `json:"type"`
	Content    string     `json:"content"`
	Importance float64    `json:"importance"`
	Confidence float64    `json:"confidence"`
	Tags       []string   `json:"tags,omitempty"`
}

// Extractor turns conversation messages into stored memories, gated by
// guardrails and logged to the extraction_log table.
type Extractor struct {
	store      *Store
	llm        llm.Client
	guardrails *Guardrails
}

// NewExtractor wires an extractor. client must be non-nil.
func NewExtractor(store *Store, client llm.Client, guardrails *Guardrails) *Extractor {
	return &Extractor{store: store, llm: client, guardrails: guardrails}
}

const extractionSystem = `You extract durable facts about the user and their projects from conversation transcripts.
Only extract information worth remembering across sessions. Respond with JSON only.`

// Extract runs one guarded extraction pass over the session's recent
// messages and stores the adopted facts. Returns the number stored.
func (e *Extractor) Extract(ctx context.Context, sessionID string, messages []string) (int, error) {
	batch, ok := e.guardrails.Admit(sessionID, messages)
	if !ok {
		return 0, nil
	}

	timer := logging.StartTimer(logging.CategoryGuardrails, "Extract")
	defer timer.Stop()

	facts, err := e.callLLM(ctx, batch)
	if err != nil {
		e.logExtraction(sessionID, false, 0, err.Error())
		return 0, fmt.Errorf("extraction failed: %w", err)
	}
	facts = e.guardrails.CapFacts(facts)

	stored := 0
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if !validType(f.Type) {
			f.Type = TypeFact
		}
		m := &Memory{
			Type:       f.Type,
			Content:    f.Content,
			Source:     SourceConversation,
			Importance: clamp01(f.Importance),
			Confidence: clamp01(f.Confidence),
			Tags:       f.Tags,
		}
		if err := e.store.Add(m); err != nil {
			logging.Get(logging.CategoryGuardrails).Error("failed to store extracted fact: %v", err)
			continue
		}
		stored++
	}

	e.guardrails.RecordSuccess(sessionID)
	e.logExtraction(sessionID, true, stored, "")
	logging.Guardrails("extraction for %s stored %d of %d facts", sessionID, stored, len(facts))
	return stored, nil
}

func (e *Extractor) callLLM(ctx context.Context, messages []string) ([]ExtractedFact, error) {
	var b strings.Builder
	b.WriteString("Extract durable facts from this conversation excerpt.\n\n")
	for _, m := range messages {
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString(`
Respond with JSON only:
{"facts": [{"type": "fact|preference|decision|event|todo", "content": "...", "importance": 0.5, "confidence": 0.9, "tags": ["..."]}]}
`)

	out, err := e.llm.Complete(ctx, extractionSystem, b.String(), 2048)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Facts []ExtractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable extraction response: %w", err)
	}
	return parsed.Facts, nil
}

// logExtraction records the attempt in extraction_log for health tracking.
func (e *Extractor) logExtraction(sessionID string, ok bool, facts int, errMsg string) {
	okInt := 0
	if ok {
		okInt = 1
	}
	e.store.writeMu.Lock()
	_, err := e.store.db.Exec(`INSERT INTO extraction_log (session_id, at, ok, facts, error)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, time.Now().UTC().UnixMilli(), okInt, facts, nullableString(errMsg))
	e.store.writeMu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryGuardrails).Error("failed to record extraction: %v", err)
	}
}
