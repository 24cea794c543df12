package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"earshot/api"
	"earshot/devserver"
	"earshot/diag"
	"earshot/mic"
	"earshot/session"
	"earshot/stt"
	"earshot/tui"
)

var logger *log.Logger

// languages the backend recognizer accepts.
var languageTags = []struct {
	Tag  string
	Name string
}{
	{"de-DE", "German"},
	{"en-US", "English (US)"},
	{"en-GB", "English (UK)"},
	{"es-ES", "Spanish"},
	{"fr-FR", "French"},
	{"it-IT", "Italian"},
	{"pt-BR", "Portuguese (Brazil)"},
	{"nl-NL", "Dutch"},
	{"pl-PL", "Polish"},
	{"ja-JP", "Japanese"},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(devserver.ServeCmd)

	rootCmd.PersistentFlags().
		String("backend-url", "http://localhost:4444", "Transcription backend base URL")
	rootCmd.PersistentFlags().
		String("stream-url", "ws://localhost:4444/ws", "Streaming endpoint base URL")
	rootCmd.PersistentFlags().
		StringP("language", "l", "", "Recognition language tag (e.g. en-US)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlag(
		"backend_url",
		rootCmd.PersistentFlags().Lookup("backend-url"),
	)
	viper.BindPFlag(
		"stream_url",
		rootCmd.PersistentFlags().Lookup("stream-url"),
	)
	viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	listenCmd.Flags().
		StringSlice("record-command", nil, "Override the recorder invocation")
	listenCmd.Flags().
		Int("frame-queue", session.DefaultFrameQueue, "Frames buffered between capture and transport")
	listenCmd.Flags().
		Int("send-queue", stt.DefaultQueueSize, "Frames buffered toward the websocket")
	listenCmd.Flags().
		Duration("dial-timeout", 10*time.Second, "Timeout for opening the stream connection")
	listenCmd.Flags().
		Int("diag-capacity", diag.DefaultCapacity, "Diagnostic trail capacity")
	listenCmd.Flags().
		Bool("no-tui", false, "Print transcripts to stdout instead of the full-screen view")
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "earshot",
	Short: "Earshot streams your microphone to a transcription backend",
	Long:  `Earshot captures microphone audio, frames it as 16-bit PCM, and streams it over a websocket for live transcription. It can also submit video files for offline extraction.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe the microphone live",
	Run:   runListen,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Extract and transcribe audio from a video file",
	Long:  `Upload an MP4, MOV, or AVI file to the backend and print the extracted transcript.`,
	Args:  cobra.ExactArgs(1),
	Run:   runUpload,
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List recognition languages",
	Run:   runLanguages,
}

func runListen(cmd *cobra.Command, args []string) {
	mainLogger, micLogger, hearLogger, sessLogger := createLoggers()

	language, err := resolveLanguage()
	if err != nil {
		mainLogger.Fatal("select language", "error", err.Error())
	}

	recordCommand, _ := cmd.Flags().GetStringSlice("record-command")
	frameQueue, _ := cmd.Flags().GetInt("frame-queue")
	sendQueue, _ := cmd.Flags().GetInt("send-queue")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	diagCapacity, _ := cmd.Flags().GetInt("diag-capacity")
	noTUI, _ := cmd.Flags().GetBool("no-tui")

	var sink session.Sink
	var feed *tui.Feed
	console := &consoleSink{logger: mainLogger, closed: make(chan struct{})}
	if noTUI {
		sink = console
	} else {
		feed = tui.NewFeed()
		sink = feed
	}

	controller := session.New(session.Config{
		OpenCapture: func(ctx context.Context, fn func([]float32)) (session.Capture, error) {
			return mic.Open(ctx, mic.Config{Command: recordCommand}, micLogger, fn)
		},
		Dialer: &stt.WebsocketDialer{
			BaseURL: viper.GetString("stream_url"),
			Opts: stt.Options{
				QueueSize:   sendQueue,
				DialTimeout: dialTimeout,
				Logger:      hearLogger,
			},
		},
		Reset:      api.NewClient(viper.GetString("backend_url")),
		Sink:       sink,
		Logger:     sessLogger,
		Trail:      diag.New(diagCapacity),
		FrameQueue: frameQueue,
	})

	if err := controller.Start(context.Background(), language); err != nil {
		mainLogger.Fatal("start session", "error", err.Error())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		controller.Stop()
	}()

	if noTUI {
		<-console.closed
	} else {
		if err := tui.Run(language, feed); err != nil {
			mainLogger.Error("ui", "error", err.Error())
		}
	}
	signal.Stop(sigs)

	if err := controller.Stop(); err != nil {
		mainLogger.Error("stop session", "error", err.Error())
	}

	printSummary(controller)

	if err := controller.Err(); err != nil {
		for _, entry := range controller.Trail().Entries() {
			mainLogger.Info("trail",
				"at", entry.At.Format("15:04:05.000"),
				"event", entry.Text,
			)
		}
		mainLogger.Fatal("session failed", "error", err.Error())
	}
}

// consoleSink prints session events straight to the terminal for
// headless use.
type consoleSink struct {
	logger *log.Logger
	closed chan struct{}
	once   sync.Once
}

func (s *consoleSink) Transcript(text string) {
	fmt.Println(text)
}

func (s *consoleSink) Advisory(message string) {
	s.logger.Warn("backend", "message", message)
}

func (s *consoleSink) Transition(from, to session.State) {
	s.logger.Info("session", "from", from.String(), "to", to.String())
	if to == session.Closed {
		s.once.Do(func() { close(s.closed) })
	}
}

func (s *consoleSink) Failure(err error) {
	s.logger.Error("session failed", "error", err.Error())
}

func printSummary(controller *session.Controller) {
	stats := controller.Stats()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Frames Sent", "Frames Dropped", "Transcripts", "Advisories"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	table.Append([]string{
		fmt.Sprintf("%d", stats.FramesSent),
		fmt.Sprintf("%d", stats.FramesDropped),
		fmt.Sprintf("%d", stats.Transcripts),
		fmt.Sprintf("%d", stats.Advisories),
	})

	table.Render()
}

func runUpload(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	language := viper.GetString("language")
	if language == "" {
		language = api.DefaultLanguage
	}

	client := api.NewClient(viper.GetString("backend_url"))
	mainLogger.Info("uploading", "file", args[0], "language", language)

	text, err := client.Extract(cmd.Context(), args[0], language)
	if err != nil {
		mainLogger.Fatal("extract audio", "error", err.Error())
	}

	fmt.Println(text)
}

func runLanguages(cmd *cobra.Command, args []string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Tag", "Language"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoFormatHeaders(true)

	for _, l := range languageTags {
		table.Append([]string{l.Tag, l.Name})
	}

	table.Render()
}

// resolveLanguage takes the configured language or asks for one.
func resolveLanguage() (string, error) {
	if language := viper.GetString("language"); language != "" {
		return language, nil
	}

	options := make([]huh.Option[string], len(languageTags))
	for i, l := range languageTags {
		options[i] = huh.NewOption(
			fmt.Sprintf("%s (%s)", l.Name, l.Tag),
			l.Tag,
		)
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Choose a language").
				Options(options...).
				Value(&selected),
		),
	)

	if err := form.Run(); err != nil {
		return "", err
	}
	return selected, nil
}

func createLoggers() (mainLogger, micLogger, hearLogger, sessLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	micLogger = logger.With().WithPrefix("mic")
	hearLogger = logger.With().WithPrefix("hear")
	sessLogger = logger.With().WithPrefix("sess")

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
