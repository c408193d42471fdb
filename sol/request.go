package sol

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/viper"

	"slotwatch/config"
	"slotwatch/logger"
)

var SolanaRpcURL, SolanaWsURL string

func GetSolanaRpcURL() string {
	if SolanaRpcURL != "" {
		return SolanaRpcURL
	}
	if rpcURL := viper.GetString("sol.rpc"); rpcURL != "" {
		return rpcURL
	}
	logger.GlobalLogger.Warn("sol.rpc not set in config, using default", "url", config.DefaultRpcURL)
	return config.DefaultRpcURL
}

// GetSolanaWsURL returns sol.ws, or the pubsub endpoint next to the RPC
// endpoint: ws(s) scheme and, for an explicit port, the port above it.
func GetSolanaWsURL() (string, error) {
	if SolanaWsURL != "" {
		return SolanaWsURL, nil
	}
	if wsURL := viper.GetString("sol.ws"); wsURL != "" {
		return wsURL, nil
	}
	return WebsocketURL(GetSolanaRpcURL())
}

func WebsocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("invalid rpc url %q: %w", rpcURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("invalid rpc url port %q: %w", port, err)
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p+1))
	}
	return u.String(), nil
}

func NewRpcClient() *rpc.Client {
	return rpc.New(GetSolanaRpcURL())
}

// EpochSource is the query surface the leader resolver needs. *rpc.Client
// implements it.
type EpochSource interface {
	GetEpochInfo(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetEpochInfoResult, error)
	GetLeaderSchedule(ctx context.Context) (rpc.GetLeaderScheduleResult, error)
}

func GetEpochInfo(ctx context.Context, source EpochSource) (*rpc.GetEpochInfoResult, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancel()

	info, err := source.GetEpochInfo(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("RPC getEpochInfo failed: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("RPC getEpochInfo returned no result")
	}
	return info, nil
}

// GetLeaderSchedule returns the current epoch's schedule keyed by identity.
func GetLeaderSchedule(ctx context.Context, source EpochSource) (map[string][]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancel()

	result, err := source.GetLeaderSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("RPC getLeaderSchedule failed: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("RPC getLeaderSchedule returned an empty schedule")
	}

	res := make(map[string][]uint64, len(result))
	for identity, indices := range result {
		res[identity.String()] = indices
	}
	return res, nil
}
