// Package evm implements the bridge adapter for EVM compatible networks
// on top of go-ethereum's RPC stack.
package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMesh/internal/bridge"
)

// Config describes how to construct an EVM adapter.
type Config struct {
	Name    string
	RPCURL  string
	Notes   string
	Adverts []bridge.Advert
}

// Adapter implements bridge.Adapter for EVM compatible networks. Remote
// discovery serves the adverts published in the network definition after
// confirming the endpoint is alive; Submit relays a raw signed
// transaction.
type Adapter struct {
	name    string
	rpcURL  string
	notes   string
	adverts []bridge.Advert

	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// New constructs an adapter without dialling; Connect establishes the
// connection lazily so an offline network degrades discovery instead of
// failing startup.
func New(cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 EVM RPC 地址")
	}
	return &Adapter{
		name:    cfg.Name,
		rpcURL:  rpcURL,
		notes:   cfg.Notes,
		adverts: append([]bridge.Advert(nil), cfg.Adverts...),
	}, nil
}

// Factory adapts New to the registry's factory signature.
func Factory(_ context.Context, name string, def bridge.NetworkDefinition) (bridge.Adapter, error) {
	return New(Config{
		Name:    name,
		RPCURL:  def.RPCURL,
		Notes:   def.Description,
		Adverts: def.Adverts,
	})
}

// Name implements bridge.Adapter.
func (a *Adapter) Name() string {
	return a.name
}

// Connect implements bridge.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		return nil
	}
	rpcClient, err := gethrpc.DialContext(ctx, a.rpcURL)
	if err != nil {
		return fmt.Errorf("连接网络 %s 失败: %w", a.name, err)
	}
	a.rpcClient = rpcClient
	a.eth = ethclient.NewClient(rpcClient)
	return nil
}

// Query implements bridge.Adapter. The chain itself carries no agent
// index; liveness is probed via ChainID and the configured adverts are
// filtered by the requested capability set.
func (a *Adapter) Query(ctx context.Context, capabilities []string) ([]bridge.Advert, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	eth := a.eth
	a.mu.Unlock()

	if _, err := eth.ChainID(ctx); err != nil {
		return nil, fmt.Errorf("网络 %s 心跳失败: %w", a.name, err)
	}

	matched := make([]bridge.Advert, 0, len(a.adverts))
	for _, advert := range a.adverts {
		if hasCapabilities(advert.Capabilities, capabilities) {
			matched = append(matched, advert)
		}
	}
	return matched, nil
}

// Submit implements bridge.Adapter. The payload is a raw RLP encoded
// signed transaction; the returned reference is its hash.
func (a *Adapter) Submit(ctx context.Context, payload []byte) (string, error) {
	if err := a.Connect(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	eth := a.eth
	a.mu.Unlock()

	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return "", fmt.Errorf("解析交易载荷失败: %w", err)
	}
	if err := eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("提交交易到网络 %s 失败: %w", a.name, err)
	}
	return tx.Hash().Hex(), nil
}

// Close implements bridge.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
	if a.rpcClient != nil {
		a.rpcClient.Close()
		a.rpcClient = nil
	}
	return nil
}

func hasCapabilities(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ bridge.Adapter = (*Adapter)(nil)
