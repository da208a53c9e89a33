package app_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/form"
	"github.com/romshark/shardforms/modules/contract"
	sessinmem "github.com/romshark/shardforms/modules/sessmanager/inmem"
	"github.com/romshark/shardforms/modules/sesstokgen"
	"github.com/romshark/shardforms/modules/wallet"
)

type nopClient struct{}

func (nopClient) Call(
	context.Context, string, contract.Args, contract.Budget,
) (contract.Result, error) {
	return nil, nil
}

func TestValidVariantID(t *testing.T) {
	f := func(expect bool, id string) {
		t.Helper()
		require.Equal(t, expect, app.ValidVariantID(id))
	}

	f(true, "score")
	f(true, "scholarship")
	f(true, "score-2")
	f(false, "")
	f(false, "static")
	f(false, "Score")
	f(false, "a.b")
	f(false, "a/b")
	f(false, "a*")
}

func TestBuiltin(t *testing.T) {
	s := app.Builtin("scholarship")
	require.Equal(t, "scholarship-contract", s.ContractID)
	require.Equal(t, "Scholarship Contract", s.AppTitle)
	require.Equal(t, "scholarship", s.Schema.Method)
	require.Equal(t, "block_index", s.Schema.Number.Arg)
	require.True(t, s.Schema.ShowResult)
	require.Equal(t, "/scholarship/", s.Path())
	require.Equal(t, "forms.scholarship.submitted", s.SubjectSubmitted())

	s = app.Builtin("score")
	require.Equal(t, "score-contract", s.ContractID)
	require.Equal(t, "NEAR React template", s.AppTitle)
	require.Equal(t, "record_score", s.Schema.Method)
	require.Equal(t, "score", s.Schema.Number.Arg)
	require.False(t, s.Schema.ShowResult)
	require.Equal(t, form.ValidationStrict, s.Schema.Validation)

	require.Nil(t, app.Builtin("unknown"))
}

func TestNewApp(t *testing.T) {
	w, err := wallet.New(wallet.Config{})
	require.NoError(t, err)
	sessions := sessinmem.New[app.Session](sesstokgen.Generator{})

	withClient := func(v *app.Variant) *app.Variant {
		v.Client = nopClient{}
		return v
	}

	f := func(expect error, conf app.Config, deps app.Deps) {
		t.Helper()
		_, err := app.NewApp(conf, deps)
		if expect == nil {
			require.NoError(t, err)
			return
		}
		require.ErrorIs(t, err, expect)
	}

	f(nil, app.Config{}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score())},
		Sessions: sessions, Wallet: w,
	})
	f(nil, app.Config{BaseURL: "https://forms.example.com/demo"}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score())},
		Sessions: sessions, Wallet: w,
	})
	f(app.ErrNoVariants, app.Config{}, app.Deps{Sessions: sessions, Wallet: w})
	f(app.ErrSessionManagerNil, app.Config{}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score())}, Wallet: w,
	})
	f(app.ErrWalletNil, app.Config{}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score())}, Sessions: sessions,
	})
	f(app.ErrVariantNoClient, app.Config{}, app.Deps{
		Variants: []*app.Variant{app.Score()},
		Sessions: sessions, Wallet: w,
	})
	f(app.ErrDuplicateVariant, app.Config{}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score()), withClient(app.Score())},
		Sessions: sessions, Wallet: w,
	})
	f(app.ErrBaseURL, app.Config{BaseURL: "/relative"}, app.Deps{
		Variants: []*app.Variant{withClient(app.Score())},
		Sessions: sessions, Wallet: w,
	})

	invalidID := withClient(app.Score())
	invalidID.ID = "no.dots"
	f(app.ErrInvalidVariantID, app.Config{}, app.Deps{
		Variants: []*app.Variant{invalidID},
		Sessions: sessions, Wallet: w,
	})

	noMethod := withClient(app.Score())
	noMethod.Schema.Method = ""
	f(form.ErrSchemaMethod, app.Config{}, app.Deps{
		Variants: []*app.Variant{noMethod},
		Sessions: sessions, Wallet: w,
	})
}

func TestSignalsText(t *testing.T) {
	s := app.Signals{
		"str":   "42",
		"int":   float64(42),
		"float": 1.5,
		"bool":  true,
		"null":  nil,
		"obj":   map[string]any{"a": float64(1)},
	}
	require.Equal(t, "42", s.Text("str"))
	require.Equal(t, "42", s.Text("int"))
	require.Equal(t, "1.5", s.Text("float"))
	require.Equal(t, "true", s.Text("bool"))
	require.Equal(t, "", s.Text("null"))
	require.Equal(t, "", s.Text("missing"))
	require.Equal(t, `{"a":1}`, s.Text("obj"))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := app.NewMetrics(reg)

	m.OnPublish("forms.score.submitted")
	m.OnPublish("forms.score.submitted")
	m.OnDeliveryDropped()

	require.Equal(t, 2.0, testutil.ToFloat64(
		m.BrokerPublished.WithLabelValues("forms.score.submitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BrokerDropped))

	n, err := testutil.GatherAndCount(reg, "app_broker_published_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
