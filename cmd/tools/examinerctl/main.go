package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-examiner/backend/internal/config"
	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	speechmodel "github.com/zhouzirui/z-examiner/backend/internal/model/speech"
	"github.com/zhouzirui/z-examiner/backend/internal/service/ai"
	"github.com/zhouzirui/z-examiner/backend/internal/service/finalize"
	"github.com/zhouzirui/z-examiner/backend/internal/service/recovery"
	"github.com/zhouzirui/z-examiner/backend/internal/service/speech"
	"github.com/zhouzirui/z-examiner/backend/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "模式: sweep, show, topics, asr 或 tts")
	owner := flag.String("owner", "", "sweep 模式下的用户 ID")
	sessionID := flag.String("session", "", "show 模式下的会话 ID；asr/tts 模式下的自定义 sessionID")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径")
	format := flag.String("format", "", "ASR 输入音频格式，默认取文件扩展名")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时时间")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "sweep":
		runSweep(ctx, cfg, *owner)
	case "show":
		runShow(ctx, cfg, *sessionID)
	case "topics":
		runTopics()
	case "asr":
		runASR(ctx, cfg, *sessionID, *audioPath, *format)
	case "tts":
		runTTS(ctx, cfg, *sessionID, *text, *outputPath)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode 指定模式")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLite, error) {
	if cfg.Store.Driver != config.StoreSQLite {
		return nil, fmt.Errorf("STORE_DRIVER=%s 没有持久化数据可供操作", cfg.Store.Driver)
	}
	return store.OpenSQLite(ctx, cfg.Store.DSN)
}

// runSweep 手动执行一次孤儿会话回收，与登录时的流程一致
func runSweep(ctx context.Context, cfg *config.Config, owner string) {
	if owner == "" {
		log.Fatal("sweep 模式需要通过 -owner 指定用户")
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("打开会话存储失败: %v", err)
	}
	defer db.Close()

	chatModel, err := ai.NewChatModel(ctx, cfg.AI)
	if err != nil {
		log.Fatalf("初始化模型失败: %v", err)
	}
	aiService, err := ai.NewService(ctx, chatModel, ai.Config{
		HistoryLimit:  cfg.AI.HistoryLimit,
		ModelAnalysis: cfg.AI.ModelAnalysis,
	})
	if err != nil {
		log.Fatalf("初始化 AI 服务失败: %v", err)
	}

	finalizer := finalize.New(db, aiService, aiService, finalize.Config{
		ClaimTTL:            cfg.Lifecycle.ClaimTTL,
		CollaboratorTimeout: cfg.Lifecycle.CollaboratorTimeout,
	})
	sweeper := recovery.New(db, finalizer, recovery.Config{
		GraceWindow: cfg.Lifecycle.GraceWindow,
		Parallelism: cfg.Lifecycle.SweepParallelism,
	})

	report, err := sweeper.Sweep(ctx, owner)
	if err != nil {
		log.Fatalf("回收失败: %v", err)
	}
	log.Printf("回收完成: owner=%s scanned=%d finalized=%d skipped=%d failed=%d",
		report.OwnerID, report.Scanned, report.Finalized, report.Skipped, report.Failed)
}

func runShow(ctx context.Context, cfg *config.Config, sessionID string) {
	if sessionID == "" {
		log.Fatal("show 模式需要通过 -session 指定会话")
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("打开会话存储失败: %v", err)
	}
	defer db.Close()

	sess, err := db.Get(ctx, sessionID)
	if err != nil {
		log.Fatalf("读取会话失败: %v", err)
	}

	fmt.Printf("session %s owner=%s topic=%s status=%s created=%s\n",
		sess.ID, sess.OwnerID, sess.Topic, sess.Status(), sess.CreatedAt.Format(time.RFC3339))
	for i, t := range sess.Transcript {
		fmt.Printf("%3d %-10s %s\n", i, t.Role, t.Content)
	}
	if sess.MemorySummary != nil {
		fmt.Printf("\nsummary: %s\n", *sess.MemorySummary)
	}
	if r := sess.AnalysisReport; r != nil {
		fmt.Printf("band: overall=%.1f fluency=%.1f vocabulary=%.1f grammar=%.1f source=%s\n",
			r.OverallBand, r.Fluency, r.Vocabulary, r.Grammar, r.Source)
	}
}

func runTopics() {
	for _, set := range prompt.Seed() {
		fmt.Printf("%-12s %-28s %d prompts\n", set.ID, set.Title, set.Len())
		for _, p := range set.Prompts {
			fmt.Printf("    - %s\n", p.Text)
		}
	}
}

func newSpeechService(cfg *config.Config) *speech.Service {
	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}
	return speech.NewService(cfg.Speech)
}

func manualSessionID(id string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("manual-%d", time.Now().UnixNano())
}

func runASR(ctx context.Context, cfg *config.Config, sessionID, audioPath, format string) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}
	svc := newSpeechService(cfg)

	data, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if format == "" {
			format = "wav"
		}
	}

	sessionID = manualSessionID(sessionID)
	log.Printf("开始进行 ASR 测试: session=%s format=%s bytes=%d", sessionID, format, len(data))

	text, err := svc.Transcribe(ctx, sessionID, speechmodel.Audio{Data: data, Format: format})
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}
	log.Printf("ASR 识别成功: text=%q", text)
}

func runTTS(ctx context.Context, cfg *config.Config, sessionID, text, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}
	svc := newSpeechService(cfg)

	sessionID = manualSessionID(sessionID)
	log.Printf("开始进行 TTS 测试: session=%s voice=%s", sessionID, cfg.Speech.TTSVoice)

	audio, err := svc.Synthesize(ctx, sessionID, text)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), audio.Format)
	}
	if err := os.WriteFile(outputPath, audio.Data, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}
	log.Printf("TTS 合成成功: 输出文件 %s bytes=%d", outputPath, len(audio.Data))
}
