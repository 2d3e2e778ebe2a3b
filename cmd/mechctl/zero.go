package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/mechctl/pkg/robot"
)

type ZeroCommand struct {
	Args struct {
		Actuator string  `positional-arg-name:"actuator" required:"yes"`
		Position float64 `positional-arg-name:"position"`
	} `positional-args:"yes"`
}

func (c *ZeroCommand) Execute(args []string) error {
	log, err := stderrLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadRobotConfig()
	if err != nil {
		return err
	}
	ac, ok := cfg.Actuator(c.Args.Actuator)
	if !ok {
		return fmt.Errorf("unknown actuator %q", c.Args.Actuator)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := robot.Build(ctx, cfg, robot.WithLogger(log))
	if err != nil {
		return err
	}
	defer r.Close()

	ctrl, _ := r.Actuator(ac.Name)
	before := ctrl.Update(ctx)
	if err := ctrl.Zero(ctx, c.Args.Position); err != nil {
		return err
	}
	log.Info("actuator zeroed",
		zap.String("actuator", ac.Name),
		zap.Float64("was", before.Position),
		zap.Float64("now", ctrl.Position()),
	)

	if ac.Driver != robot.DriverFeetech {
		fmt.Printf("%s zeroed at %g (simulated, not saved)\n", ac.Name, c.Args.Position)
		return nil
	}

	ac.Servos = r.Calibrations(ac.Name)
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("%s zeroed at %g", ac.Name, c.Args.Position)))
	fmt.Printf("Homing offsets saved to %s\n", opts.Config)
	return nil
}
