package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Provider names accepted by LLM_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server       ServerConfig
	LLM          LLMConfig
	Web          ChannelConfig
	Social       SocialConfig
	Retrieval    RetrievalConfig
	Lead         LeadConfig
	Persona      PersonaConfig
	Log          LogConfig
	Localization string
	// ProviderTimeout bounds every embedding, search, completion and send call.
	ProviderTimeout time.Duration
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	web, err := loadChannelConfig("WEB", ChannelConfig{Model: "gpt-4o-mini", MaxTokens: 300, Temperature: 0, TopK: 2})
	if err != nil {
		return nil, err
	}

	socialChannel, err := loadChannelConfig("SOCIAL", ChannelConfig{Model: "gpt-4", MaxTokens: 100, Temperature: 0.7, TopK: 2})
	if err != nil {
		return nil, err
	}

	lead, err := loadLeadConfig()
	if err != nil {
		return nil, err
	}

	timeout, err := parseDurationEnv("PROVIDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: server,
		LLM:    llm,
		Web:    web,
		Social: SocialConfig{
			ChannelConfig: socialChannel,
			VerifyToken:   strings.TrimSpace(os.Getenv("INSTAGRAM_VERIFY_TOKEN")),
			AccessToken:   strings.TrimSpace(os.Getenv("INSTAGRAM_ACCESS_TOKEN")),
			GraphBaseURL:  getEnvOrDefault("GRAPH_API_BASE_URL", "https://graph.facebook.com"),
			GraphVersion:  getEnvOrDefault("GRAPH_API_VERSION", "v17.0"),
			Language:      getEnvOrDefault("SOCIAL_LANGUAGE", "English"),
		},
		Retrieval: RetrievalConfig{
			EmbeddingModel: getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-ada-002"),
			WeaviateURL:    strings.TrimSpace(os.Getenv("WEAVIATE_URL")),
			WeaviateAPIKey: strings.TrimSpace(os.Getenv("WEAVIATE_API_KEY")),
			WeaviateClass:  getEnvOrDefault("WEAVIATE_CLASS", "Passage"),
		},
		Lead: lead,
		Persona: PersonaConfig{
			AssistantName: strings.TrimSpace(os.Getenv("ASSISTANT_NAME")),
			Company:       strings.TrimSpace(os.Getenv("COMPANY_NAME")),
			TriageName:    strings.TrimSpace(os.Getenv("SOCIAL_ASSISTANT_NAME")),
			TriageCompany: strings.TrimSpace(os.Getenv("SOCIAL_COMPANY_NAME")),
		},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Localization:    strings.TrimSpace(os.Getenv("LOCALIZATION_FILE")),
		ProviderTimeout: timeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderArk:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderArk, c.LLM.Provider)
	}
	for name, ch := range map[string]ChannelConfig{"WEB": c.Web, "SOCIAL": c.Social.ChannelConfig} {
		if ch.MaxTokens <= 0 {
			return fmt.Errorf("%s_MAX_TOKENS must be > 0", name)
		}
		if ch.TopK <= 0 {
			return fmt.Errorf("%s_TOP_K must be > 0", name)
		}
		if ch.Temperature < 0 || ch.Temperature > 2 {
			return fmt.Errorf("%s_TEMPERATURE must be within [0, 2]", name)
		}
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("CORS_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LLMConfig 描述大模型提供方及其凭证。
type LLMConfig struct {
	Provider      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Ark           ArkConfig
}

// ArkConfig 描述 Ark 对话模型配置。
type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string
	TopP      *float64
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例，采样参数在每次调用时设置。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or the AK/SK pair")
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.Model,
		TopP:      topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadLLMConfig() (LLMConfig, error) {
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return LLMConfig{}, err
	}

	openAIKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	arkCfg := ArkConfig{
		APIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:     strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
		TopP:      topP,
	}

	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	if provider == "" {
		provider = ProviderOpenAI
		if openAIKey == "" && arkCfg.Enabled() {
			provider = ProviderArk
		}
	}

	return LLMConfig{
		Provider:      provider,
		OpenAIAPIKey:  openAIKey,
		OpenAIBaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Ark:           arkCfg,
	}, nil
}

// ChannelConfig holds the sampling and retrieval settings of one channel.
type ChannelConfig struct {
	Model       string
	MaxTokens   int
	Temperature float32
	TopK        int
}

func loadChannelConfig(prefix string, defaults ChannelConfig) (ChannelConfig, error) {
	cfg := defaults
	cfg.Model = getEnvOrDefault(prefix+"_MODEL", defaults.Model)

	maxTokens, err := parseOptionalIntEnv(prefix + "_MAX_TOKENS")
	if err != nil {
		return ChannelConfig{}, err
	}
	if maxTokens != nil {
		cfg.MaxTokens = *maxTokens
	}

	temperature, err := parseOptionalFloat32Env(prefix + "_TEMPERATURE")
	if err != nil {
		return ChannelConfig{}, err
	}
	if temperature != nil {
		cfg.Temperature = *temperature
	}

	topK, err := parseOptionalIntEnv(prefix + "_TOP_K")
	if err != nil {
		return ChannelConfig{}, err
	}
	if topK != nil {
		cfg.TopK = *topK
	}
	return cfg, nil
}

// SocialConfig adds the messaging platform settings to the channel settings.
type SocialConfig struct {
	ChannelConfig
	VerifyToken  string
	AccessToken  string
	GraphBaseURL string
	GraphVersion string
	Language     string
}

// Enabled reports whether the webhook can be served.
func (c SocialConfig) Enabled() bool {
	return c.VerifyToken != "" && c.AccessToken != ""
}

// RetrievalConfig describes the embedding model and the vector index.
type RetrievalConfig struct {
	EmbeddingModel string
	WeaviateURL    string
	WeaviateAPIKey string
	WeaviateClass  string
}

// LeadConfig describes where lead state and captures are kept.
type LeadConfig struct {
	RedisURL string
	StateTTL time.Duration
	DBPath   string
}

func loadLeadConfig() (LeadConfig, error) {
	ttl, err := parseDurationEnv("LEAD_STATE_TTL", 24*time.Hour)
	if err != nil {
		return LeadConfig{}, err
	}
	return LeadConfig{
		RedisURL: strings.TrimSpace(os.Getenv("LEAD_STATE_REDIS_URL")),
		StateTTL: ttl,
		DBPath:   strings.TrimSpace(os.Getenv("LEAD_DB_PATH")),
	}, nil
}

// PersonaConfig overrides the assistant names used in the instructions.
type PersonaConfig struct {
	AssistantName string
	Company       string
	TriageName    string
	TriageCompany string
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
