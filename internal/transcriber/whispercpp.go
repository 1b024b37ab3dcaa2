package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"syscall"

	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var whisperLog = logger.Get("Whisper")

// modelDownloadURL is where missing ggml models are fetched from on first use.
const modelDownloadURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-%s.bin"

// languageDetectOffsetMs skips silence/intros before probing the language.
const languageDetectOffsetMs = 5000

var detectedLanguagePattern = regexp.MustCompile(`auto-detected language: ([a-z]{2,3})`)

type (
	WhisperConfig struct {
		BinaryPath string `yaml:"binary_path" env:"whisper_binary" env-default:"whisper-cli"`
		ModelName  string `yaml:"model" env:"whisper_model" env-default:"base"`
		ModelDir   string `yaml:"model_dir" env:"whisper_model_dir" env-default:"./data/models"`
		CPUThreads int    `yaml:"cpu_threads" env:"whisper_cpu_threads" env-default:"4"`
	}

	// whisperEngine drives the whisper.cpp CLI. The heavy inference call
	// always runs in a child process so it can be truly killed; the model
	// file itself is shared via the models directory.
	whisperEngine struct {
		config WhisperConfig

		// downloadMu serialises the first-use model download.
		downloadMu sync.Mutex
	}

	// whisperProcess supervises one running whisper.cpp child.
	whisperProcess struct {
		cmd  *exec.Cmd
		done chan Outcome
	}
)

func NewWhisperEngine(config WhisperConfig) *whisperEngine {
	return &whisperEngine{config: config}
}

func (engine *whisperEngine) ModelName() string { return engine.config.ModelName }

func (engine *whisperEngine) modelPath() string {
	return filepath.Join(engine.config.ModelDir, fmt.Sprintf("ggml-%s.bin", engine.config.ModelName))
}

// Prepare downloads the configured model in to the model directory if it is
// not already cached. Concurrent callers are serialised so the first
// submission after startup performs the download exactly once.
func (engine *whisperEngine) Prepare(ctx context.Context) error {
	engine.downloadMu.Lock()
	defer engine.downloadMu.Unlock()

	modelPath := engine.modelPath()
	if _, err := os.Stat(modelPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(engine.config.ModelDir, 0o755); err != nil {
		return err
	}

	url := fmt.Sprintf(modelDownloadURL, engine.config.ModelName)
	whisperLog.Emit(logger.NEW, "Model %s not cached... downloading from %s\n", engine.config.ModelName, url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model %s: %w", engine.config.ModelName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model %s: status %d", engine.config.ModelName, resp.StatusCode)
	}

	// Download to a temp name first so a partial file is never mistaken
	// for a cached model after a crash.
	partialPath := modelPath + ".partial"
	out, err := os.Create(partialPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(partialPath)
		return fmt.Errorf("failed to download model %s: %w", engine.config.ModelName, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partialPath)
		return err
	}

	if err := os.Rename(partialPath, modelPath); err != nil {
		return err
	}

	whisperLog.Emit(logger.SUCCESS, "Model %s cached at %s\n", engine.config.ModelName, modelPath)
	return nil
}

// DetectLanguage runs a short whisper.cpp probe against the staged audio,
// offset in to the file to skip leading silence, and parses the detected
// language label from the tool's output.
func (engine *whisperEngine) DetectLanguage(ctx context.Context, audioPath string) (string, error) {
	cmd := exec.CommandContext(ctx, engine.config.BinaryPath,
		"-m", engine.modelPath(),
		"-f", audioPath,
		"-t", strconv.Itoa(engine.config.CPUThreads),
		"-ot", strconv.Itoa(languageDetectOffsetMs),
		"--detect-language",
	)

	output, err := cmd.CombinedOutput()
	// whisper.cpp exits non-zero in --detect-language mode on some builds,
	// so the output is inspected before the exit code.
	if match := detectedLanguagePattern.FindSubmatch(output); match != nil {
		return string(match[1]), nil
	}

	if err != nil {
		return "", fmt.Errorf("language detection failed: %w", err)
	}

	return "", fmt.Errorf("language detection produced no label for %s", audioPath)
}

// Start spawns the whisper.cpp child for a full transcription. The child
// writes its result as JSON next to the staged audio; the returned process
// delivers the parsed result tree once the child exits.
func (engine *whisperEngine) Start(ctx context.Context, req TranscribeRequest) (Process, error) {
	outputBase := req.AudioPath + ".out"
	args := []string{
		"-m", engine.modelPath(),
		"-f", req.AudioPath,
		"-t", strconv.Itoa(engine.config.CPUThreads),
		"-oj",
		"-of", outputBase,
	}
	if req.Language != "" {
		args = append(args, "-l", req.Language)
	}
	if req.InitialPrompt != "" {
		args = append(args, "--prompt", req.InitialPrompt)
	}

	cmd := exec.Command(engine.config.BinaryPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn engine child: %w", err)
	}

	whisperLog.Debugf("Spawned engine child pid %d for %s\n", cmd.Process.Pid, req.AudioPath)

	proc := &whisperProcess{cmd: cmd, done: make(chan Outcome, 1)}
	go proc.supervise(outputBase + ".json")

	return proc, nil
}

// supervise waits for the child and delivers exactly one outcome: the parsed
// result on success, or the child's serialised error otherwise.
func (proc *whisperProcess) supervise(resultPath string) {
	defer os.Remove(resultPath)

	if err := proc.cmd.Wait(); err != nil {
		proc.done <- Outcome{Err: fmt.Errorf("engine child exited abnormally: %w", err)}
		return
	}

	result, err := parseWhisperOutput(resultPath)
	if err != nil {
		proc.done <- Outcome{Err: fmt.Errorf("engine child exited without a result: %w", err)}
		return
	}

	proc.done <- Outcome{Result: result}
}

func (proc *whisperProcess) Done() <-chan Outcome { return proc.done }

func (proc *whisperProcess) Terminate() error {
	if proc.cmd.Process == nil {
		return nil
	}

	return proc.cmd.Process.Signal(syscall.SIGTERM)
}

func (proc *whisperProcess) Kill() error {
	if proc.cmd.Process == nil {
		return nil
	}

	return proc.cmd.Process.Kill()
}

// whisperOutput mirrors the JSON document whisper.cpp writes with -oj.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperOutput(path string) (*job.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var output whisperOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, err
	}

	result := &job.Result{Language: output.Result.Language, Segments: make([]job.Segment, 0, len(output.Transcription))}
	for _, segment := range output.Transcription {
		result.Segments = append(result.Segments, job.Segment{
			Start: float64(segment.Offsets.From) / 1000.0,
			End:   float64(segment.Offsets.To) / 1000.0,
			Text:  segment.Text,
		})
	}

	return result, nil
}

var _ Engine = (*whisperEngine)(nil)
