package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/checkpoint"
	"github.com/logflow/tickflow/pkg/config"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/pipeline"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/storage"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.CredentialEnv = "TICKFLOW_TEST_TOKEN"
	cfg.Sink.Root = filepath.Join(dir, "data")
	cfg.Checkpoint.Dir = filepath.Join(dir, "cursors")
	cfg.Retry.Jitter = 0
	cfg.Retry.Initial = 10 * time.Millisecond
	cfg.Retry.Max = 50 * time.Millisecond
	for i := range cfg.Topics {
		cfg.Topics[i].Symbols = []string{"AAPL", "MSFT"}
		cfg.Topics[i].PollInterval = 20 * time.Millisecond
		cfg.Topics[i].MinSpacing = time.Millisecond
		cfg.Topics[i].BatchWindow = 20 * time.Millisecond
		cfg.Topics[i].Shards = 2
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildStreamProvisionsMemoryTopics(t *testing.T) {
	cfg := testConfig(t, "http://upstream")
	st, err := buildStream(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer st.Close()

	shards, err := st.Shards(context.Background(), model.TopicQuotes)
	require.NoError(t, err)
	assert.Len(t, shards, 2)

	cfg.Stream.Backend = "carrier-pigeon"
	_, err = buildStream(context.Background(), cfg, logger.Nop())
	assert.True(t, errors.IsConfiguration(err))
}

func TestBuildCursorStoreLocal(t *testing.T) {
	cfg := testConfig(t, "http://upstream")
	store, leaser, closeFn, err := buildCursorStore(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &checkpoint.LocalStore{}, store)
	assert.IsType(t, &checkpoint.LocalLeaser{}, leaser)
}

func TestBuildCredentialPrefersFile(t *testing.T) {
	cfg := testConfig(t, "http://upstream")
	cred, err := buildCredential(cfg, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, poller.EnvCredential("TICKFLOW_TEST_TOKEN"), cred)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("secret\n"), 0o600))
	cfg.Upstream.CredentialFile = path
	cred, err = buildCredential(cfg, logger.Nop())
	require.NoError(t, err)
	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)
}

func TestS3ConfigMapping(t *testing.T) {
	got := s3Config(config.S3Config{Bucket: "b", Prefix: "p/", Region: "eu-west-1", AccessKey: "ak", SecretKey: "sk", UsePathStyle: true})
	assert.Equal(t, storage.S3Config{Region: "eu-west-1", Bucket: "b", Prefix: "p/", UsePathStyle: true, AccessKeyID: "ak", SecretAccessKey: "sk"}, got)
}

func TestParseTopicsAndStatusURL(t *testing.T) {
	only, err := parseTopics([]string{"Quotes"})
	require.NoError(t, err)
	assert.True(t, only[model.TopicQuotes])
	_, err = parseTopics([]string{"trades"})
	assert.True(t, errors.IsConfiguration(err))

	assert.Equal(t, "http://localhost:8080/status", statusURL(":8080"))
	assert.Equal(t, "http://10.0.0.5:9090/status", statusURL("10.0.0.5:9090"))
	assert.Equal(t, "https://ops.example/status", statusURL("https://ops.example/"))
}

func TestRestartPolicyFromSupervisor(t *testing.T) {
	cfg := config.Default()
	p := restartPolicy(cfg)
	assert.Equal(t, cfg.Supervisor.RestartInitial, p.Initial)
	assert.Equal(t, cfg.Supervisor.RestartMax, p.Max)
}

// TestEndToEnd runs the quotes pipeline against a fake upstream until an
// object lands in the local sink.
func TestEndToEnd(t *testing.T) {
	t.Setenv("TICKFLOW_TEST_TOKEN", "tok")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"c":190.5,"d":1.2,"dp":0.6,"h":191,"l":188,"o":189,"pc":189.3,"t":%d}`, 1714554000)
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDeps(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer d.Close()

	topics, err := buildTopics(cfg, d, map[model.Topic]bool{model.TopicQuotes: true}, logger.Nop())
	require.NoError(t, err)
	require.Len(t, topics, 1)

	coord, err := pipeline.New(pipeline.Options{Topics: topics, Restart: restartPolicy(cfg), Metrics: d.metrics})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	var objects []storage.ObjectInfo
	require.Eventually(t, func() bool {
		objects, err = d.objects.List(ctx, "quotes/2024/05/01/09/")
		return err == nil && d.metrics.Summary().Written >= 2
	}, 5*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, objects)

	data, err := d.objects.Get(ctx, objects[0].Key)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"current_price":190.5`)
	assert.Contains(t, string(data), `"observed_at":"2024-05-01T09:00:00Z"`)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, coord.Health().Healthy())

	cursors, err := d.cursors.List(context.Background(), cfg.ConsumerGroup)
	require.NoError(t, err)
	var advanced int
	for _, c := range cursors {
		if !c.Sequence.IsZero() {
			advanced++
		}
	}
	assert.GreaterOrEqual(t, advanced, 1)
}

func TestConfigShowCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consumer_group: nightly\ngap_policy: skip\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.Contains(t, s, "# loaded from: "+path)
	assert.Contains(t, s, "consumer_group: nightly")
	assert.True(t, strings.Contains(s, "gap_policy: skip"))
}
