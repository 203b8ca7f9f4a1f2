package config

import "runtime"

const (
	defaultConfigPath             = "~/.config/voxmerge/config.toml"
	defaultMediaRoot              = "~/voxmerge/media"
	defaultOutputDir              = "~/voxmerge/output"
	defaultRegistryName           = ".unified_registry.json"
	defaultQuarantineName         = "duplicates_quarantine"
	defaultLogDir                 = "~/.local/share/voxmerge/logs"
	defaultJournalPath            = "~/.local/share/voxmerge/journal.db"
	defaultFFmpegBinary           = "ffmpeg"
	defaultFFprobeBinary          = "ffprobe"
	defaultCodec                  = "libmp3lame"
	defaultSampleRate             = 22050
	defaultChannels               = 1
	defaultBitrate                = "64k"
	defaultConversionTimeout      = 60
	defaultMaxConversionWorkers   = 4
	defaultFlushEvery             = 25
	defaultMinFreeMiB             = 512
	defaultTranscriptionBaseURL   = "https://api.openai.com/v1"
	defaultTranscriptionModel     = "whisper-1"
	defaultTranscriptionLanguage  = "fr"
	defaultMaxUploadBytes         = 25 * 1024 * 1024
	defaultTranscriptionTimeout   = 120
	defaultRetryAttempts          = 5
	defaultRetryBaseDelayMS       = 2000
	defaultRetryMaxDelayMS        = 60000
	defaultTranscriptionWorkers   = 3
	defaultMinTranscriptChars     = 1
	defaultFullHashThresholdBytes = 8 * 1024 * 1024
	defaultWindowBytes            = 1024 * 1024
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogMaxSizeMB           = 20
	defaultLogMaxBackups          = 5
	defaultLogMaxAgeDays          = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			MediaRoot:   defaultMediaRoot,
			OutputDir:   defaultOutputDir,
			LogDir:      defaultLogDir,
			JournalPath: defaultJournalPath,
		},
		Conversion: Conversion{
			FFmpegBinary:       defaultFFmpegBinary,
			FFprobeBinary:      defaultFFprobeBinary,
			Codec:              defaultCodec,
			SampleRate:         defaultSampleRate,
			Channels:           defaultChannels,
			Bitrate:            defaultBitrate,
			TimeoutSeconds:     defaultConversionTimeout,
			Workers:            defaultConversionWorkers(),
			FlushEvery:         defaultFlushEvery,
			MinFreeMiB:         defaultMinFreeMiB,
			TranscribeReceived: true,
			TranscribeSent:     false,
		},
		Transcription: Transcription{
			BaseURL:           defaultTranscriptionBaseURL,
			Model:             defaultTranscriptionModel,
			Language:          defaultTranscriptionLanguage,
			MaxUploadBytes:    defaultMaxUploadBytes,
			TimeoutSeconds:    defaultTranscriptionTimeout,
			RetryAttempts:     defaultRetryAttempts,
			RetryBaseDelayMS:  defaultRetryBaseDelayMS,
			RetryMaxDelayMS:   defaultRetryMaxDelayMS,
			Workers:           defaultTranscriptionWorkers,
			MinTranscriptChar: defaultMinTranscriptChars,
		},
		Fingerprint: Fingerprint{
			FullHashThresholdBytes: defaultFullHashThresholdBytes,
			WindowBytes:            defaultWindowBytes,
			Workers:                runtime.NumCPU(),
		},
		Fusion: Fusion{
			CrossContactSearch: true,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
		Journal: Journal{
			Enabled: true,
		},
	}
}

func defaultConversionWorkers() int {
	n := runtime.NumCPU()
	if n > defaultMaxConversionWorkers {
		return defaultMaxConversionWorkers
	}
	if n < 1 {
		return 1
	}
	return n
}
