package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	c := Default()
	c.Bucket = "test-bucket"
	c.Region = "us-west-2"
	return c
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config (with bucket/region set) to pass validation, got: %v", err)
	}
}

func TestMissingBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestMissingRegion(t *testing.T) {
	cfg := validConfig()
	cfg.Region = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing region")
	}
}

func TestInvalidDBDriver(t *testing.T) {
	for _, driver := range []string{"mysql", "", "SQLITE"} {
		t.Run(driver, func(t *testing.T) {
			cfg := validConfig()
			cfg.DBDriver = driver
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid db driver: %q", driver)
			}
		})
	}
}

func TestValidDBDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			cfg := validConfig()
			cfg.DBDriver = driver
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected driver %q to pass, got: %v", driver, err)
			}
		})
	}
}

func TestMissingDBDSN(t *testing.T) {
	cfg := validConfig()
	cfg.DBDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing db DSN")
	}
}

func TestInvalidMultipartThreshold(t *testing.T) {
	for _, v := range []int64{0, -1} {
		cfg := validConfig()
		cfg.MultipartThresholdBytes = v
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for multipart threshold %d", v)
		}
	}
}

func TestInvalidUploadConcurrency(t *testing.T) {
	for _, v := range []int{0, -1} {
		cfg := validConfig()
		cfg.UploadConcurrency = v
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for upload concurrency %d", v)
		}
	}
}

func TestInvalidTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sub-second connect timeout")
	}

	cfg = validConfig()
	cfg.ReadTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero read timeout")
	}
}

func TestInvalidRetryBounds(t *testing.T) {
	cfg := validConfig()
	cfg.RetryMaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero retry max attempts")
	}

	cfg = validConfig()
	cfg.RetryMaxDelay = cfg.RetryBaseDelay - time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when max delay is below base delay")
	}
}

func TestInvalidPoolSizes(t *testing.T) {
	cfg := validConfig()
	cfg.ScanPool = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero scan pool")
	}

	cfg = validConfig()
	cfg.UploadPool = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero upload pool")
	}
}

func TestMissingDirs(t *testing.T) {
	cfg := validConfig()
	cfg.LogDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing log dir")
	}

	cfg = validConfig()
	cfg.TempDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing temp dir")
	}
}

func TestInvalidShutdownTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		cfg := validConfig()
		cfg.ShutdownTimeout = timeout
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for invalid shutdown timeout: %v", timeout)
		}
	}
}

func TestEncryptionPassphraseNotRequired(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionPassphrase = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected empty passphrase to pass validation (checked at dispatch time instead), got: %v", err)
	}
}
