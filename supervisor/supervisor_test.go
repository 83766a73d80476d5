package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/remotepreview/internal/fakerenderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func TestMain(m *testing.M) {
	fakerenderer.MaybeRun()
	os.Exit(m.Run())
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

// buildOutputs creates the files a launch request refers to and returns a request for them.
func buildOutputs(t *testing.T) LaunchRequest {
	t.Helper()
	dir := t.TempDir()
	req := LaunchRequest{
		AssemblyPath:   filepath.Join(dir, "App.dll"),
		ExecutablePath: filepath.Join(dir, "App.Desktop.dll"),
		HostAppPath:    filepath.Join(dir, "Designer.dll"),
		ListenURI:      "tcp-bson://127.0.0.1:1/",
	}
	touch(t, req.AssemblyPath)
	touch(t, req.ExecutablePath)
	touch(t, req.HostAppPath)
	touch(t, filepath.Join(dir, "App.Desktop.runtimeconfig.json"))
	touch(t, filepath.Join(dir, "App.Desktop.deps.json"))
	return req
}

type lineRecorder struct {
	mut   sync.Mutex
	lines map[Stream][]string
}

func (r *lineRecorder) handle(stream Stream, line string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.lines == nil {
		r.lines = map[Stream][]string{}
	}
	r.lines[stream] = append(r.lines[stream], line)
}

func (r *lineRecorder) get(stream Stream) []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]string(nil), r.lines[stream]...)
}

func fakeSupervisor(mode string, rec *lineRecorder) *Supervisor {
	s := New(log)
	s.Runtime = os.Args[0]
	s.Env = []string{fakerenderer.EnvMode + "=" + mode}
	if rec != nil {
		s.Output = rec.handle
	}
	return s
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(req *LaunchRequest)
		wantKind string
	}{
		{name: "empty assembly", mutate: func(req *LaunchRequest) { req.AssemblyPath = "" }, wantKind: "assembly"},
		{name: "missing assembly", mutate: func(req *LaunchRequest) { req.AssemblyPath += ".missing" }, wantKind: "assembly"},
		{name: "missing executable", mutate: func(req *LaunchRequest) { req.ExecutablePath = filepath.Join(filepath.Dir(req.ExecutablePath), "Other.dll") }, wantKind: "executable"},
		{name: "missing host app", mutate: func(req *LaunchRequest) { req.HostAppPath = filepath.Join(t.TempDir(), "Designer.dll") }, wantKind: "host app"},
		{name: "missing runtime config", mutate: func(req *LaunchRequest) { require.NoError(t, os.Remove(RuntimeConfigPath(req.ExecutablePath))) }, wantKind: "runtime config"},
		{name: "missing deps file", mutate: func(req *LaunchRequest) { require.NoError(t, os.Remove(DepsPath(req.ExecutablePath))) }, wantKind: "deps file"},
		{name: "directory instead of file", mutate: func(req *LaunchRequest) { req.HostAppPath = t.TempDir() }, wantKind: "host app"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := buildOutputs(t)
			c.mutate(&req)

			err := Validate(req)
			require.ErrorIs(t, err, ErrNotFound)
			var pnf *PathNotFoundError
			require.ErrorAs(t, err, &pnf)
			assert.Equal(t, c.wantKind, pnf.Kind)
		})
	}

	require.NoError(t, Validate(buildOutputs(t)))
}

func TestSiblingPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "App.runtimeconfig.json"), RuntimeConfigPath(filepath.Join("out", "App.dll")))
	assert.Equal(t, filepath.Join("out", "App.deps.json"), DepsPath(filepath.Join("out", "App.dll")))
}

func TestLaunchMissingPathSpawnsNothing(t *testing.T) {
	req := buildOutputs(t)
	req.AssemblyPath = ""
	exited := false
	req.OnExit = func(int) { exited = true }

	s := fakeSupervisor("exit:0", nil)
	s.Runtime = filepath.Join(t.TempDir(), "no-such-runtime")

	p, err := s.Launch(context.Background(), req)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, p)
	assert.False(t, exited)
}

func TestLaunchPassesArguments(t *testing.T) {
	rec := &lineRecorder{}
	req := buildOutputs(t)
	exitCh := make(chan int, 1)
	req.OnExit = func(code int) { exitCh <- code }

	p, err := fakeSupervisor("args", rec).Launch(context.Background(), req)
	require.NoError(t, err)

	code, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, <-exitCh)
	assert.Equal(t, Args(req), rec.get(Stdout))
	assert.Equal(t, []string{
		"exec",
		"--runtimeconfig", RuntimeConfigPath(req.ExecutablePath),
		"--depsfile", DepsPath(req.ExecutablePath),
		req.HostAppPath,
		"--transport", "tcp-bson://127.0.0.1:1/",
		req.ExecutablePath,
	}, Args(req))
}

func TestExitFiresOnce(t *testing.T) {
	rec := &lineRecorder{}
	req := buildOutputs(t)

	exitCh := make(chan int, 2)
	req.OnExit = func(code int) { exitCh <- code }

	p, err := fakeSupervisor("exit:3", rec).Launch(context.Background(), req)
	require.NoError(t, err)

	select {
	case code := <-exitCh:
		assert.Equal(t, 3, code)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	assert.False(t, p.Running())
	assert.Equal(t, 3, p.ExitCode())

	// killing an exited process is not an error and does not fire the callback again
	require.NoError(t, p.Kill())
	assert.Len(t, exitCh, 0)

	assert.Equal(t, []string{"fake renderer starting"}, rec.get(Stdout))
	assert.Equal(t, []string{"fake renderer failing"}, rec.get(Stderr))
}

func TestKill(t *testing.T) {
	req := buildOutputs(t)
	exitCh := make(chan int, 2)
	req.OnExit = func(code int) { exitCh <- code }

	p, err := fakeSupervisor("hang", nil).Launch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, p.Running())
	assert.Equal(t, -1, p.ExitCode())
	assert.NotZero(t, p.PID())

	require.NoError(t, p.Kill())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-exitCh:
	case <-ctx.Done():
		t.Fatal("exit callback did not fire")
	}
	require.NoError(t, p.Kill())
	assert.Len(t, exitCh, 0)
}

func TestWaitHonorsContext(t *testing.T) {
	req := buildOutputs(t)
	p, err := fakeSupervisor("hang", nil).Launch(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Kill()
		<-p.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLineWriter(t *testing.T) {
	rec := &lineRecorder{}
	w := &lineWriter{stream: Stderr, handle: rec.handle}

	_, err := w.Write([]byte("first\r\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\n\n   \nthird"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, rec.get(Stderr))

	w.Flush()
	assert.Equal(t, []string{"first", "second", "third"}, rec.get(Stderr))
}
