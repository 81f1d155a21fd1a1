package assistant

import (
	"context"
	"errors"
	"sync"
)

type stubLLMClient struct {
	mu        sync.Mutex
	responses []LLMResponse
	errs      []error
	requests  []LLMRequest
}

func (s *stubLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return LLMResponse{}, err
		}
	}
	if len(s.responses) == 0 {
		return LLMResponse{}, errors.New("stub: no scripted response")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func (s *stubLLMClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// blockingLLMClient waits for the context to end.
type blockingLLMClient struct{}

func (blockingLLMClient) Complete(ctx context.Context, _ LLMRequest) (LLMResponse, error) {
	<-ctx.Done()
	return LLMResponse{}, ctx.Err()
}

type stubFetcher struct {
	blobs map[string][]byte
	types map[string]string
	err   error
}

func (f *stubFetcher) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.blobs[ref]
	if !ok {
		return nil, "", errors.New("stub: missing blob")
	}
	return data, f.types[ref], nil
}
