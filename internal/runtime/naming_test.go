package runtime

import "testing"

func TestContainerNameFor(t *testing.T) {
	if got := ContainerNameFor("trading-bot"); got != "bot_trading-bot" {
		t.Fatalf("unexpected container name %q", got)
	}
	if ContainerNameFor("trading-bot") != ContainerNameFor("trading-bot") {
		t.Fatalf("container name not stable")
	}
}

func TestImageTagFor(t *testing.T) {
	if got := ImageTagFor("trading-bot", 7); got != "bot_trading-bot:7" {
		t.Fatalf("unexpected image tag %q", got)
	}
	if ImageTagFor("a", 1) == ImageTagFor("a", 2) {
		t.Fatalf("tags must differ per deployment")
	}
}
