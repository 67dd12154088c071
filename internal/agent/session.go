package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kbrandt/vigor/internal/llm"
)

// session holds the state of a single turn: the growing transcript and the
// tool-result cache. Each turn gets a fresh session; nothing here outlives
// the Run call that created it.
type session struct {
	messages []llm.Message

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	once   sync.Once
	result string
	err    error
}

func newSession(system, userMessage string) *session {
	return &session{
		messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: userMessage},
		},
		cache: make(map[string]*cacheEntry),
	}
}

func (s *session) append(msgs ...llm.Message) {
	s.messages = append(s.messages, msgs...)
}

// getOrCompute runs fn at most once per key for the lifetime of the session,
// even when the same call appears multiple times in one round. Results,
// including errors, are memoized: a repeated identical call within a turn
// resolves to the same outcome without touching the provider again.
func (s *session) getOrCompute(key string, fn func() (string, error)) (string, error) {
	s.mu.Lock()
	e, ok := s.cache[key]
	if !ok {
		e = &cacheEntry{}
		s.cache[key] = e
	}
	s.mu.Unlock()
	e.once.Do(func() {
		e.result, e.err = fn()
	})
	return e.result, e.err
}

// cacheKey builds a canonical key for a tool call. encoding/json writes map
// keys in sorted order, so argument maps that differ only in iteration order
// produce the same key. The user id is part of the key even though a session
// serves a single user; a key is never valid outside its owner.
func cacheKey(userID int64, name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	return fmt.Sprintf("%d\x00%s\x00%s", userID, name, b)
}
