package admission

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	lerrors "github.com/lista-sync/lista/internal/errors"
)

// DefaultPairingTimeout is how long a candidate keeps knocking before the
// join attempt is declared dead.
const DefaultPairingTimeout = 120 * time.Second

// PairTransport sends one pairing knock to a peer address. The swarm layer
// implements it over the websocket /pair endpoint.
type PairTransport interface {
	Pair(ctx context.Context, addr string, req PairRequest) (PairResponse, error)
}

// Candidate drives the joining side of a pairing exchange: it knocks on
// every discovered peer until one of them redeems the invite or the timeout
// fires, whichever resolves first.
type Candidate struct {
	transport PairTransport
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewCandidate builds a candidate over the given transport.
func NewCandidate(transport PairTransport, timeout time.Duration, logger zerolog.Logger) *Candidate {
	if timeout <= 0 {
		timeout = DefaultPairingTimeout
	}
	return &Candidate{
		transport: transport,
		timeout:   timeout,
		logger:    logger.With().Str("component", "candidate").Logger(),
	}
}

// Join redeems an invite token against peers arriving on addrs. Every
// address is knocked at most once, concurrently; the first valid grant wins
// and all other attempts are cancelled. Returns the grant and the group's
// discovery topic.
//
// The timeout-versus-success race resolves exactly once: a grant that lands
// after the deadline is discarded, and a deadline that fires after a grant
// is ignored.
func (c *Candidate) Join(ctx context.Context, token string, writerPub ed25519.PublicKey, addrs <-chan string) (Grant, []byte, error) {
	inv, err := ParseToken(token)
	if err != nil {
		return Grant{}, nil, err
	}
	req, err := NewPairRequest(inv, writerPub)
	if err != nil {
		return Grant{}, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	grants := make(chan Grant, 1)
	var wg sync.WaitGroup
	tried := make(map[string]bool)

	knock := func(addr string) {
		defer wg.Done()
		resp, err := c.transport.Pair(ctx, addr, req)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug().Err(err).Str("addr", addr).Msg("pair knock failed")
			}
			return
		}
		grant, err := OpenGrant(inv, resp)
		if err != nil {
			c.logger.Debug().Err(err).Str("addr", addr).Msg("pair response rejected")
			return
		}
		select {
		case grants <- grant:
		default:
		}
		cancel()
	}

	for {
		select {
		case addr, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			if addr == "" || tried[addr] {
				continue
			}
			tried[addr] = true
			wg.Add(1)
			go knock(addr)

		case <-ctx.Done():
			wg.Wait()
			// A knock may have produced a grant in the same instant the
			// deadline fired; the grant wins.
			select {
			case grant := <-grants:
				return grant, inv.Topic, nil
			default:
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Grant{}, nil, lerrors.ErrPairingTimeout
			}
			return Grant{}, nil, lerrors.ErrPairingFailed
		}
	}
}
