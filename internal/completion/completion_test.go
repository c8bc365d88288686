package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name      string
	fragments []string
	failAfter int // -1 means never fail
	err       error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Stream(ctx context.Context, _ []Message, _ Options, onDelta func(string)) error {
	for i, f := range p.fragments {
		if p.failAfter >= 0 && i == p.failAfter {
			return p.err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onDelta(f)
	}
	if p.failAfter == len(p.fragments) {
		return p.err
	}
	return nil
}

func TestStreamSucceedsOnPrimary(t *testing.T) {
	p := &scriptedProvider{name: "primary", fragments: []string{"hello", " world"}, failAfter: -1}
	c := New([]Provider{p}, time.Second, time.Second)

	var out string
	err := c.Stream(context.Background(), nil, Options{}, func(s string) { out += s })
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestStreamFallsBackBeforeAnyToken(t *testing.T) {
	primary := &scriptedProvider{name: "primary", fragments: []string{"x"}, failAfter: 0, err: errors.New("boom")}
	secondary := &scriptedProvider{name: "secondary", fragments: []string{"ok"}, failAfter: -1}
	c := New([]Provider{primary, secondary}, time.Second, time.Second)

	var out string
	err := c.Stream(context.Background(), nil, Options{}, func(s string) { out += s })
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestStreamDoesNotFallBackAfterTokenEmitted(t *testing.T) {
	primary := &scriptedProvider{name: "primary", fragments: []string{"partial", "more"}, failAfter: 1, err: errors.New("boom")}
	secondary := &scriptedProvider{name: "secondary", fragments: []string{"should-not-appear"}, failAfter: -1}
	c := New([]Provider{primary, secondary}, time.Second, time.Second)

	var out string
	err := c.Stream(context.Background(), nil, Options{}, func(s string) { out += s })
	require.Error(t, err)
	require.Equal(t, "partial", out)
}

func TestStreamAllProvidersFailReturnsLastError(t *testing.T) {
	primary := &scriptedProvider{name: "primary", fragments: []string{}, failAfter: 0, err: errors.New("primary down")}
	secondary := &scriptedProvider{name: "secondary", fragments: []string{}, failAfter: 0, err: errors.New("secondary down")}
	c := New([]Provider{primary, secondary}, time.Second, time.Second)

	err := c.Stream(context.Background(), nil, Options{}, func(string) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "secondary down")
}

func TestStreamNoProvidersConfigured(t *testing.T) {
	c := New(nil, time.Second, time.Second)
	err := c.Stream(context.Background(), nil, Options{}, func(string) {})
	require.ErrorIs(t, err, ErrNoProviders)
}

func TestStreamInactivityTimeoutCancelsStalledProvider(t *testing.T) {
	p := stallingProvider{}

	c := New([]Provider{&p}, time.Second, 30*time.Millisecond)
	var out string
	err := c.Stream(context.Background(), nil, Options{}, func(s string) { out += s })
	require.Error(t, err)
	require.Equal(t, "first", out)
}

type stallingProvider struct{}

func (s *stallingProvider) Name() string { return "stalling" }

func (s *stallingProvider) Stream(ctx context.Context, _ []Message, _ Options, onDelta func(string)) error {
	onDelta("first")
	<-ctx.Done()
	return ctx.Err()
}
