package natsrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natsctr "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/romshark/shardforms/modules/contract"
	"github.com/romshark/shardforms/modules/contract/natsrpc"
)

func setupNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ctx := context.Background()
	ctr, err := natsctr.Run(ctx, "nats:latest")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctr.Terminate(ctx)) })

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNew(t *testing.T) {
	f := func(expect error, conf natsrpc.Config) {
		t.Helper()
		_, err := natsrpc.New(nil, conf)
		require.ErrorIs(t, err, expect)
	}

	f(nil, natsrpc.Config{ContractID: "score-contract"})
	f(natsrpc.ErrEmptyContractID, natsrpc.Config{})
	f(natsrpc.ErrUnsafeToken, natsrpc.Config{ContractID: "score.testnet"})
	f(natsrpc.ErrUnsafeToken, natsrpc.Config{ContractID: "score>"})
	f(natsrpc.ErrUnsafeToken, natsrpc.Config{ContractID: "sc ore"})
}

func TestSubject(t *testing.T) {
	c, err := natsrpc.New(nil, natsrpc.Config{ContractID: "scholarship-contract"})
	require.NoError(t, err)
	require.Equal(t, "contract.scholarship-contract.scholarship", c.Subject("scholarship"))

	c, err = natsrpc.New(nil, natsrpc.Config{
		ContractID:    "score-contract",
		SubjectPrefix: "shard",
	})
	require.NoError(t, err)
	require.Equal(t, "shard.score-contract.record_score", c.Subject("record_score"))
}

func TestCallInvalidMethod(t *testing.T) {
	c, err := natsrpc.New(nil, natsrpc.Config{ContractID: "score-contract"})
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "", nil, contract.DefaultBudget)
	require.ErrorIs(t, err, contract.ErrEmptyMethod)

	_, err = c.Call(context.Background(), "record.score", nil, contract.DefaultBudget)
	require.ErrorIs(t, err, natsrpc.ErrUnsafeToken)
}

func TestCall(t *testing.T) {
	conn := setupNATS(t)
	conf := natsrpc.Config{ContractID: "scholarship-contract"}

	type received struct {
		call natsrpc.Call
		args map[string]any
	}
	calls := make(chan received, 1)
	sub, err := natsrpc.Serve(conn, conf, "scholarship",
		func(ctx context.Context, call natsrpc.Call) (contract.Result, error) {
			var args map[string]any
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, err
			}
			calls <- received{call: call, args: args}
			return contract.Result(`"Scholarship granted"`), nil
		})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	c, err := natsrpc.New(conn, conf)
	require.NoError(t, err)

	ctx := contract.WithSigner(context.Background(), "alice.testnet")
	res, err := c.Call(ctx, "scholarship", contract.Args{
		"name":        "Alice",
		"block_index": int64(100),
	}, contract.DefaultBudget)
	require.NoError(t, err)
	require.Equal(t, "Scholarship granted", res.Text())

	got := <-calls
	require.Equal(t, "scholarship", got.call.Method)
	require.Equal(t, "alice.testnet", got.call.Signer)
	require.Equal(t, contract.DefaultBudget, got.call.Budget)
	require.Equal(t, map[string]any{
		"name":        "Alice",
		"block_index": float64(100),
	}, got.args)
}

func TestCallVoidResult(t *testing.T) {
	conn := setupNATS(t)
	conf := natsrpc.Config{ContractID: "score-contract"}

	sub, err := natsrpc.Serve(conn, conf, "record_score",
		func(ctx context.Context, call natsrpc.Call) (contract.Result, error) {
			return nil, nil
		})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	c, err := natsrpc.New(conn, conf)
	require.NoError(t, err)

	res, err := c.Call(context.Background(), "record_score", contract.Args{
		"name": "Bob", "score": int64(42),
	}, contract.DefaultBudget)
	require.NoError(t, err)
	require.True(t, res.IsVoid())
}

func TestCallErrContract(t *testing.T) {
	conn := setupNATS(t)
	conf := natsrpc.Config{ContractID: "score-contract"}

	sub, err := natsrpc.Serve(conn, conf, "record_score",
		func(ctx context.Context, call natsrpc.Call) (contract.Result, error) {
			return nil, errors.New("exceeded the prepaid gas")
		})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	c, err := natsrpc.New(conn, conf)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "record_score", nil, contract.DefaultBudget)
	var callErr *natsrpc.CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, "record_score", callErr.Method)
	require.Equal(t, "exceeded the prepaid gas", callErr.Message)
}

func TestCallErrNoRelayer(t *testing.T) {
	conn := setupNATS(t)
	c, err := natsrpc.New(conn, natsrpc.Config{
		ContractID: "score-contract",
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "record_score", nil, contract.DefaultBudget)
	require.ErrorIs(t, err, natsrpc.ErrNoRelayer)
}
