package di

import (
	"flag"
	"os"
	"strings"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/secure-mail-gateway/internal/adapters/cli"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/domainset"
	"github.com/mikey/secure-mail-gateway/internal/factory"
	"github.com/mikey/secure-mail-gateway/internal/logging"
	"github.com/mikey/secure-mail-gateway/internal/scoring"
	"github.com/mikey/secure-mail-gateway/internal/utils"
)

// CLIFlags contains all command line flags for the threat-scan CLI
type CLIFlags struct {
	// Classifier flags
	Provider    string
	MaxTokens   int
	Temperature float64
	TopP        float64
	MaxBodySize int
	Timeout     time.Duration

	// Bedrock flags
	BedrockRegion  string
	BedrockModelID string

	// Gemini flags
	GeminiAPIKey    string
	GeminiModelName string

	// OpenAI flags
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModelName string

	// Scoring flags
	FreeWebmail string

	// Input and output flags
	InputFile  string
	Verbose    bool
	JSONLog    bool
	JSONOutput bool
	ConfigFile string
}

// ParseFlags parses the process command line
func ParseFlags() *CLIFlags {
	flags, _ := parseFlags(flag.CommandLine, os.Args[1:])
	return flags
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIFlags, error) {
	flags := &CLIFlags{}

	// Classifier flags
	fs.StringVar(&flags.Provider, "provider", "none", "Classifier provider (none, bedrock, gemini, openai)")
	fs.IntVar(&flags.MaxTokens, "max-tokens", 300, "Maximum tokens for the classifier response")
	fs.Float64Var(&flags.Temperature, "temperature", 0.1, "Temperature for classifier generation")
	fs.Float64Var(&flags.TopP, "top-p", 0.9, "Top-p for classifier generation")
	fs.IntVar(&flags.MaxBodySize, "max-body-size", 4096, "Maximum message body size sent to the classifier")
	fs.DurationVar(&flags.Timeout, "timeout", 15*time.Second, "Classifier call timeout")

	// Bedrock flags
	fs.StringVar(&flags.BedrockRegion, "bedrock-region", "us-east-1", "AWS region for Bedrock")
	fs.StringVar(&flags.BedrockModelID, "bedrock-model", "anthropic.claude-v2", "Bedrock model ID")

	// Gemini flags
	fs.StringVar(&flags.GeminiAPIKey, "gemini-api-key", "", "API key for Google Gemini")
	fs.StringVar(&flags.GeminiModelName, "gemini-model", "gemini-pro", "Gemini model name")

	// OpenAI flags
	fs.StringVar(&flags.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI")
	fs.StringVar(&flags.OpenAIBaseURL, "openai-base-url", "", "Base URL of an OpenAI compatible endpoint")
	fs.StringVar(&flags.OpenAIModelName, "openai-model", "gpt-4", "OpenAI model name")

	// Scoring flags
	fs.StringVar(&flags.FreeWebmail, "free-webmail", "", "Comma-separated list of free webmail domains")

	// Input and output flags
	fs.StringVar(&flags.InputFile, "file", "", "Input message file (use stdin if not specified)")
	fs.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging and body preview")
	fs.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	fs.BoolVar(&flags.JSONOutput, "json", false, "Print the report as JSON")
	fs.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	err := fs.Parse(args)
	return flags, err
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.NewFromFile(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg, nil
		}

		// Create config from command line flags
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewClassifierFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory) core.MessageParser {
		return f.CreateMessageParser()
	}); err != nil {
		return nil, err
	}

	// Register classifier and scoring engine
	if err := container.Provide(func(f *factory.ClassifierFactory) (core.Classifier, error) {
		return f.CreateClassifier()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, classifier core.Classifier, logger *zap.Logger) (core.Scorer, error) {
		classifierCfg, err := cfg.GetClassifier()
		if err != nil {
			return nil, err
		}
		rules := scoring.DefaultRuleSet(domainset.New(cfg.GetScoring().FreeWebmailDomains, logger))
		return scoring.NewEngine(rules, classifier, classifierCfg.Timeout, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register scanner
	if err := container.Provide(func(flags *CLIFlags, parser core.MessageParser, scorer core.Scorer, logger *zap.Logger) *cli.Scanner {
		return cli.NewScanner(parser, scorer, os.Stdout, flags.Verbose, flags.JSONOutput, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	v.Set("classifier.provider", flags.Provider)
	v.Set("classifier.timeout", flags.Timeout.String())

	// Set provider-specific configuration
	switch flags.Provider {
	case "bedrock":
		v.Set("bedrock.region", flags.BedrockRegion)
		v.Set("bedrock.model_id", flags.BedrockModelID)
		v.Set("bedrock.max_tokens", flags.MaxTokens)
		v.Set("bedrock.temperature", flags.Temperature)
		v.Set("bedrock.top_p", flags.TopP)
		v.Set("bedrock.max_body_size", flags.MaxBodySize)
	case "gemini":
		v.Set("gemini.api_key", flags.GeminiAPIKey)
		v.Set("gemini.model_name", flags.GeminiModelName)
		v.Set("gemini.max_tokens", flags.MaxTokens)
		v.Set("gemini.temperature", flags.Temperature)
		v.Set("gemini.top_p", flags.TopP)
		v.Set("gemini.max_body_size", flags.MaxBodySize)
	case "openai":
		v.Set("openai.api_key", flags.OpenAIAPIKey)
		v.Set("openai.base_url", flags.OpenAIBaseURL)
		v.Set("openai.model_name", flags.OpenAIModelName)
		v.Set("openai.max_tokens", flags.MaxTokens)
		v.Set("openai.temperature", flags.Temperature)
		v.Set("openai.top_p", flags.TopP)
		v.Set("openai.max_body_size", flags.MaxBodySize)
	}

	if flags.FreeWebmail != "" {
		var domains []string
		for _, d := range strings.Split(flags.FreeWebmail, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		v.Set("scoring.free_webmail_domains", domains)
	}

	return config.NewFromViper(v)
}
