package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/engine/store"
)

// TokenState is the lifecycle state of a runtime token.
type TokenState string

const (
	TokenActive       TokenState = "ACTIVE"
	TokenWaiting      TokenState = "WAITING"
	TokenCompleted    TokenState = "COMPLETED"
	TokenCancelled    TokenState = "CANCELLED"
	TokenError        TokenState = "ERROR"
	TokenCompensation TokenState = "COMPENSATION"
)

// Terminal reports whether the state admits no further transitions.
func (s TokenState) Terminal() bool {
	return s == TokenCompleted || s == TokenCancelled || s == TokenError
}

// Token is the runtime quantum: "execution is here". Tokens live only in
// the fast store as an ordered list per instance; they are not durable
// rows, but every mutation is transactional so they survive restart.
type Token struct {
	ID               string         `json:"id"`
	InstanceID       string         `json:"instance_id"`
	NodeID           string         `json:"node_id"`
	State            TokenState     `json:"state"`
	Data             map[string]any `json:"data,omitempty"`
	ScopeID          string         `json:"scope_id,omitempty"`
	ParentInstanceID string         `json:"parent_instance_id,omitempty"`
	ParentActivityID string         `json:"parent_activity_id,omitempty"`
}

func (t *Token) clone() *Token {
	cp := *t
	if t.Data != nil {
		cp.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// TokenManager is the single authority for token state changes.
//
// All operations re-read the stored token list, verify the subject
// token's current state, and commit the full mutation through one
// fast-store pipeline. Callers must hold the instance lock; the
// re-check makes retries and concurrent termination safe.
type TokenManager struct {
	fast store.FastStore
}

// NewTokenManager creates a token manager on the given fast store.
func NewTokenManager(fast store.FastStore) *TokenManager {
	return &TokenManager{fast: fast}
}

// List returns the instance's tokens in stored order.
func (tm *TokenManager) List(ctx context.Context, instanceID string) ([]*Token, error) {
	raw, err := tm.fast.ListRange(ctx, store.TokensKey(instanceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	tokens := make([]*Token, 0, len(raw))
	for _, item := range raw {
		var tok Token
		if err := json.Unmarshal(item, &tok); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		tokens = append(tokens, &tok)
	}
	return tokens, nil
}

// CreateInitial plants the first token at the start event. It rejects
// when any token already exists at that node, which is what makes
// duplicate process.started deliveries produce exactly one token.
func (tm *TokenManager) CreateInitial(ctx context.Context, instanceID, startNodeID string) (*Token, error) {
	tokens, err := tm.List(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if tok.NodeID == startNodeID {
			return nil, &TokenStateError{
				TokenID: tok.ID,
				NodeID:  startNodeID,
				Message: "token already exists at start event",
			}
		}
	}
	tok := &Token{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     startNodeID,
		State:      TokenActive,
	}
	return tok, tm.save(ctx, instanceID, append(tokens, tok))
}

// Move atomically replaces the token with a successor at targetNodeID,
// carrying scope and data. The stored token must be ACTIVE.
func (tm *TokenManager) Move(ctx context.Context, tok *Token, targetNodeID string) (*Token, error) {
	tokens, idx, err := tm.locate(ctx, tok, TokenActive)
	if err != nil {
		return nil, err
	}
	successor := tok.clone()
	successor.ID = uuid.NewString()
	successor.NodeID = targetNodeID
	successor.State = TokenActive
	tokens[idx] = successor
	if err := tm.save(ctx, tok.InstanceID, tokens); err != nil {
		return nil, err
	}
	return successor, nil
}

// Split removes the token and creates one ACTIVE successor per target,
// all in one commit. Used by parallel and inclusive splits and by
// multi-instance expansion.
func (tm *TokenManager) Split(ctx context.Context, tok *Token, targetNodeIDs []string) ([]*Token, error) {
	tokens, idx, err := tm.locate(ctx, tok, TokenActive)
	if err != nil {
		return nil, err
	}
	successors := make([]*Token, len(targetNodeIDs))
	for i, target := range targetNodeIDs {
		s := tok.clone()
		s.ID = uuid.NewString()
		s.NodeID = target
		s.State = TokenActive
		successors[i] = s
	}
	tokens = append(tokens[:idx], tokens[idx+1:]...)
	tokens = append(tokens, successors...)
	if err := tm.save(ctx, tok.InstanceID, tokens); err != nil {
		return nil, err
	}
	return successors, nil
}

// Consume removes the token (end events). The stored token may be in any
// non-terminal state; consuming an already-removed token is an error.
func (tm *TokenManager) Consume(ctx context.Context, tok *Token) error {
	tokens, idx, err := tm.locate(ctx, tok, "")
	if err != nil {
		return err
	}
	tokens = append(tokens[:idx], tokens[idx+1:]...)
	return tm.save(ctx, tok.InstanceID, tokens)
}

// Remove removes several tokens by ID in one commit (parallel join,
// multi-instance completion, interrupting boundary events).
func (tm *TokenManager) Remove(ctx context.Context, instanceID string, tokenIDs ...string) error {
	tokens, err := tm.List(ctx, instanceID)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		drop[id] = true
	}
	kept := tokens[:0]
	for _, tok := range tokens {
		if !drop[tok.ID] {
			kept = append(kept, tok)
		}
	}
	return tm.save(ctx, instanceID, kept)
}

// Add appends pre-built tokens in one commit (join successors,
// multi-instance expansion, compensation handler activation).
func (tm *TokenManager) Add(ctx context.Context, instanceID string, add ...*Token) error {
	tokens, err := tm.List(ctx, instanceID)
	if err != nil {
		return err
	}
	return tm.save(ctx, instanceID, append(tokens, add...))
}

// UpdateState transitions the token in place without moving it. An empty
// scope leaves the stored scope untouched.
func (tm *TokenManager) UpdateState(ctx context.Context, tok *Token, state TokenState, scopeID string) (*Token, error) {
	tokens, idx, err := tm.locate(ctx, tok, "")
	if err != nil {
		return nil, err
	}
	updated := tok.clone()
	updated.State = state
	if scopeID != "" {
		updated.ScopeID = scopeID
	}
	tokens[idx] = updated
	if err := tm.save(ctx, tok.InstanceID, tokens); err != nil {
		return nil, err
	}
	return updated, nil
}

// Replace swaps several tokens for several others in one commit.
func (tm *TokenManager) Replace(ctx context.Context, instanceID string, removeIDs []string, add []*Token) error {
	tokens, err := tm.List(ctx, instanceID)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(removeIDs))
	for _, id := range removeIDs {
		drop[id] = true
	}
	kept := tokens[:0]
	for _, tok := range tokens {
		if !drop[tok.ID] {
			kept = append(kept, tok)
		}
	}
	return tm.save(ctx, instanceID, append(kept, add...))
}

// locate re-reads the list and finds the token by ID, verifying its
// stored state when requireState is non-empty.
func (tm *TokenManager) locate(ctx context.Context, tok *Token, requireState TokenState) ([]*Token, int, error) {
	tokens, err := tm.List(ctx, tok.InstanceID)
	if err != nil {
		return nil, 0, err
	}
	for i, stored := range tokens {
		if stored.ID != tok.ID {
			continue
		}
		if requireState != "" && stored.State != requireState {
			return nil, 0, &TokenStateError{
				TokenID: tok.ID,
				NodeID:  tok.NodeID,
				Message: fmt.Sprintf("stored state is %s, need %s", stored.State, requireState),
			}
		}
		return tokens, i, nil
	}
	return nil, 0, &TokenStateError{
		TokenID: tok.ID,
		NodeID:  tok.NodeID,
		Message: "token not found (instance terminated or token already consumed)",
	}
}

// save rewrites the instance's token list in one transaction.
func (tm *TokenManager) save(ctx context.Context, instanceID string, tokens []*Token) error {
	pipe := tm.fast.Pipeline()
	pipe.Del(store.TokensKey(instanceID))
	if len(tokens) > 0 {
		vals := make([][]byte, len(tokens))
		for i, tok := range tokens {
			data, err := json.Marshal(tok)
			if err != nil {
				return fmt.Errorf("encode token: %w", err)
			}
			vals[i] = data
		}
		pipe.ListPush(store.TokensKey(instanceID), vals...)
	}
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return nil
}
