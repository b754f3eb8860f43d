package main

import (
	"log/slog"
	"os"

	"amzorders/cmd/amzorders/commands"
	"amzorders/lib/cliutil"
	"amzorders/lib/telemetry"
)

func main() {
	ctx := cliutil.SignalContext()
	telemetry.InitSlog(true)

	// a missing telemetry.json5 just means telemetry stays off
	if err := telemetry.SetupFromEnv(ctx, "amzorders"); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to set up telemetry", "err", err)
	}
	telemetry.InstrumentPerfStats(ctx)
	commands.ExecuteContext(ctx)
}
