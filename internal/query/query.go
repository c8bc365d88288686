// Package query implements the embed -> retrieve -> decrypt -> assemble -> stream -> cite
// pipeline, following the stage shape of the teacher's internal/rag/service.Service.Retrieve
// and the event ordering of original_source/rag-service's _stream_rag_response.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ragvault/internal/cipher"
	"ragvault/internal/completion"
	"ragvault/internal/embedding"
	"ragvault/internal/keyvault"
	"ragvault/internal/logging"
	"ragvault/internal/observability"
	"ragvault/internal/stream"
	"ragvault/internal/vectorstore"
)

// DocumentMeta is the subset of document metadata the context assembler and citation
// builder need — ownership of every other column stays with the external collaborator
// that owns the documents table (spec.md §6).
type DocumentMeta struct {
	Title string
}

// DocumentLookup resolves a document's display metadata. Narrowed to the one method the
// pipeline needs, mirroring the DocumentRepo pattern in internal/ingestion.
type DocumentLookup interface {
	DocumentMeta(ctx context.Context, orgID, documentID string) (DocumentMeta, error)
}

// Clock abstracts time for deterministic timestamps in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options mirrors the enumerated per-call options of spec.md §4.9.
type Options struct {
	K             int
	FastMode      bool
	Citations     bool
	CorrelationID string
}

const (
	defaultK = 8
	minK     = 1
	maxK     = 32
)

func (o Options) clampedK() int {
	k := o.K
	if k <= 0 {
		k = defaultK
	}
	if k < minK {
		k = minK
	}
	if k > maxK {
		k = maxK
	}
	return k
}

// noInformationSentence is the deterministic response emitted when retrieval yields zero
// usable chunks (spec.md §4.9 step 4, §8 boundary case).
const noInformationSentence = "I don't have any relevant information to answer that question."

// systemPromptTemplate is the static, editable grounded-QA system prompt (spec.md §4.9 step 7).
const systemPromptTemplate = `You are a grounded question-answering assistant. Answer only using the context
provided below. If the context does not contain the answer, say so plainly and do not
speculate. Do not fabricate citations or sources beyond what is given.`

// contextDelimiter separates chunk bodies within a document group.
const contextDelimiter = "\n---\n"

// maxChunkChars bounds an individual chunk's contribution to the context string. buildContext
// truncates every chunk to this length unconditionally; it does not measure the total context
// against the completion provider's input budget.
const maxChunkChars = 400

// noInformationPhrases gates citation emission (spec.md §4.9 step 9): a completion matching
// one of these, or shorter than minCitationWords, suppresses citations.
var noInformationPhrases = []string{
	"i don't have any relevant information",
	"i do not have any relevant information",
	"i don't know",
	"i cannot answer",
	"no relevant information",
}

const minCitationWords = 10

// Pipeline wires the collaborators a query needs.
type Pipeline struct {
	Vault      *keyvault.Vault
	Embedder   *embedding.Client
	Vectors    vectorstore.Store
	Completion *completion.Client
	Documents  DocumentLookup

	Metrics observability.Metrics
	Clock   Clock
	NewID   func() string
}

// New constructs a Pipeline, filling no-op defaults for optional collaborators.
func New(vault *keyvault.Vault, embedder *embedding.Client, vectors vectorstore.Store, comp *completion.Client, docs DocumentLookup) *Pipeline {
	return &Pipeline{
		Vault:      vault,
		Embedder:   embedder,
		Vectors:    vectors,
		Completion: comp,
		Documents:  docs,
		Metrics:    observability.NewMockMetrics(),
		Clock:      systemClock{},
		NewID:      uuid.NewString,
	}
}

// Request is one query call's input.
type Request struct {
	OrgID   string
	Message string
	Options Options
}

// decryptedChunk is a retrieved chunk after a successful integrity check, paired with its
// similarity score and group metadata.
type decryptedChunk struct {
	vectorstore.Row
	Text  string
	Score float64
	Title string
}

// Run executes the full query pipeline, sending every protocol event to w in order. It
// returns an error only for a failure that must prevent the caller from having started the
// HTTP response at all; once w has sent the start event, every subsequent pipeline failure is
// delivered as an error event, and Run returns an error only if writing an event to w fails.
func (p *Pipeline) Run(ctx context.Context, w *stream.Writer, req Request) error {
	log := logging.ForQuery(ctx, req.OrgID, "", req.Options.CorrelationID)
	conversationID := p.NewID()

	if err := w.Send(stream.EventStart, stream.StartPayload{
		ConversationID: conversationID,
		Timestamp:      p.Clock.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	k := req.Options.clampedK()

	vecs, err := p.Embedder.Embed(ctx, []string{req.Message}, embedding.KindQuery)
	if err != nil {
		log.Error().Err(err).Msg("query embedding failed")
		return w.Send(stream.EventError, stream.ErrorPayload{Message: "embedding provider unavailable"})
	}
	queryVector := vecs[0]

	matches, err := p.Vectors.Search(ctx, req.OrgID, queryVector, k)
	if err != nil {
		log.Error().Err(err).Msg("vector search failed")
		return w.Send(stream.EventError, stream.ErrorPayload{Message: "retrieval failed"})
	}
	p.Metrics.ObserveHistogram("query_chunks_retrieved", float64(len(matches)), map[string]string{"org": req.OrgID})

	if len(matches) == 0 {
		return p.streamNoInformation(w)
	}

	dek, err := p.Vault.Get(ctx, req.OrgID)
	if err != nil {
		if errors.Is(err, keyvault.ErrKeyNotFound) {
			return p.streamNoInformation(w)
		}
		log.Error().Err(err).Msg("keyvault lookup failed")
		return w.Send(stream.EventError, stream.ErrorPayload{Message: "key lookup failed"})
	}

	chunks := p.decryptMatches(ctx, log, req.OrgID, dek, matches)
	if len(chunks) == 0 {
		return p.streamNoInformation(w)
	}

	contextStr := buildContext(chunks)
	messages := []completion.Message{
		{Role: "system", Content: systemPromptTemplate},
		{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextStr, req.Message)},
	}

	tier := completion.TierQuality
	if req.Options.FastMode {
		tier = completion.TierFast
	}

	var response strings.Builder
	filter := stream.NewThinkFilter()
	var sendErr error
	tokenErr := p.Completion.Stream(ctx, messages, completion.Options{Tier: tier}, func(frag string) {
		visible := filter.Filter(frag)
		if visible == "" {
			return
		}
		response.WriteString(visible)
		if err := w.Send(stream.EventToken, stream.TokenPayload{Text: visible}); err != nil {
			sendErr = err
		}
	})
	if tail := filter.Flush(); tail != "" {
		response.WriteString(tail)
		if err := w.Send(stream.EventToken, stream.TokenPayload{Text: tail}); err != nil {
			sendErr = err
		}
	}
	if sendErr != nil {
		return sendErr
	}
	if tokenErr != nil {
		if response.Len() == 0 {
			log.Error().Err(tokenErr).Msg("completion provider failed before any token")
			return w.Send(stream.EventError, stream.ErrorPayload{Message: "completion provider unavailable"})
		}
		log.Error().Err(tokenErr).Msg("completion stream ended early")
		return w.Send(stream.EventError, stream.ErrorPayload{Message: "completion stream interrupted"})
	}

	responseText := response.String()
	if req.Options.Citations && passesQualityGate(responseText) {
		items := buildCitations(chunks)
		if err := w.Send(stream.EventCitations, stream.CitationsPayload{Items: items}); err != nil {
			return err
		}
	}

	if err := w.Send(stream.EventUsage, stream.UsagePayload{
		TokensInput:  estimateTokens(contextStr) + estimateTokens(req.Message),
		TokensOutput: estimateTokens(responseText),
		Model:        string(tier),
	}); err != nil {
		return err
	}

	return w.Send(stream.EventDone, struct{}{})
}

// streamNoInformation handles spec.md §4.9 step 4 and the tenant-isolation / integrity-
// violation boundary cases of §8: zero usable chunks always yields the same deterministic
// sentence, never an error, and never a call to CompletionClient.
func (p *Pipeline) streamNoInformation(w *stream.Writer) error {
	if err := w.Send(stream.EventToken, stream.TokenPayload{Text: noInformationSentence}); err != nil {
		return err
	}
	return w.Send(stream.EventDone, struct{}{})
}

func (p *Pipeline) decryptMatches(ctx context.Context, log *zerolog.Logger, orgID string, dek []byte, matches []vectorstore.Match) []decryptedChunk {
	out := make([]decryptedChunk, 0, len(matches))
	for _, m := range matches {
		plaintext, err := cipher.Open(m.Row.Ciphertext, m.Row.Nonce, dek, m.Row.AAD)
		if err != nil {
			log.Warn().Str("document_id", m.Row.DocumentID).Int("chunk_index", m.Row.ChunkIndex).Msg("chunk failed integrity check, skipping")
			continue
		}
		title := m.Row.DocumentID
		if p.Documents != nil {
			if meta, derr := p.Documents.DocumentMeta(ctx, orgID, m.Row.DocumentID); derr == nil && meta.Title != "" {
				title = meta.Title
			}
		}
		out = append(out, decryptedChunk{Row: m.Row, Text: string(plaintext), Score: m.Score, Title: title})
	}
	return out
}

// buildContext groups chunks by document, emitting a header per group and concatenating
// chunk bodies prefixed with their similarity score, per spec.md §4.9 step 6.
func buildContext(chunks []decryptedChunk) string {
	var order []string
	groups := make(map[string][]decryptedChunk)
	for _, c := range chunks {
		if _, ok := groups[c.DocumentID]; !ok {
			order = append(order, c.DocumentID)
		}
		groups[c.DocumentID] = append(groups[c.DocumentID], c)
	}

	var b strings.Builder
	for i, docID := range order {
		group := groups[docID]
		sort.Slice(group, func(a, bIdx int) bool { return group[a].ChunkIndex < group[bIdx].ChunkIndex })
		fmt.Fprintf(&b, "[document: %s (%s)]\n", group[0].Title, docID)
		for _, c := range group {
			text := c.Text
			if len(text) > maxChunkChars {
				text = text[:maxChunkChars]
			}
			fmt.Fprintf(&b, "(%.0f%% match) %s", c.Score*100, text)
			b.WriteString(contextDelimiter)
		}
		if i < len(order)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// buildCitations returns one citation per retrieved chunk, ordered by score descending
// (spec.md §4.9 step 9).
func buildCitations(chunks []decryptedChunk) []stream.Citation {
	sorted := make([]decryptedChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Score > sorted[b].Score })

	out := make([]stream.Citation, len(sorted))
	for i, c := range sorted {
		out[i] = stream.Citation{
			DocumentID:    c.DocumentID,
			DocumentTitle: c.Title,
			ChunkIndex:    c.ChunkIndex,
			Section:       c.Row.Section,
			Page:          c.Row.Page,
			Score:         roundTo3(c.Score),
		}
	}
	return out
}

func roundTo3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

// passesQualityGate implements spec.md §4.9 step 9's suppression rule: a response matching
// a known no-information phrase, or shorter than minCitationWords, gets no citations.
func passesQualityGate(response string) bool {
	lower := strings.ToLower(response)
	for _, phrase := range noInformationPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return len(strings.Fields(response)) >= minCitationWords
}

// estimateTokens approximates token count from character length (4 chars/token), used for
// the usage event when the provider does not report exact counts.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
