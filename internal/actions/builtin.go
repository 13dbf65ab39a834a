package actions

import (
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// RegisterBuiltins adds the stock light actions. Each accepts an optional
// "group" argument; without it the whole registry is targeted.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]func(ctx *Context, args map[string]any) error{
		"lights_on": func(ctx *Context, args map[string]any) error {
			return withLights(ctx, func(svc *lights.Service) error {
				_, err := svc.TurnOn(ctx.Ctx(), scopeArg(args))
				return err
			})
		},
		"lights_off": func(ctx *Context, args map[string]any) error {
			return withLights(ctx, func(svc *lights.Service) error {
				_, err := svc.TurnOff(ctx.Ctx(), scopeArg(args))
				return err
			})
		},
		"warm_white": func(ctx *Context, args map[string]any) error {
			intensity, err := intArg(args, "intensity")
			if err != nil {
				return err
			}
			return withLights(ctx, func(svc *lights.Service) error {
				_, err := svc.SetWarmWhite(ctx.Ctx(), scopeArg(args), intensity)
				return err
			})
		},
		"cold_white": func(ctx *Context, args map[string]any) error {
			intensity, err := intArg(args, "intensity")
			if err != nil {
				return err
			}
			return withLights(ctx, func(svc *lights.Service) error {
				_, err := svc.SetColdWhite(ctx.Ctx(), scopeArg(args), intensity)
				return err
			})
		},
		"sync": func(ctx *Context, _ map[string]any) error {
			return withLights(ctx, func(svc *lights.Service) error {
				_, err := svc.Discover(ctx.Ctx())
				return err
			})
		},
	}

	for name, fn := range builtins {
		if err := r.RegisterSimple(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func withLights(ctx *Context, fn func(*lights.Service) error) error {
	svc := ctx.Lights()
	if svc == nil {
		return lighterr.System("light control is not available")
	}
	return fn(svc)
}

func scopeArg(args map[string]any) lights.Scope {
	if id, ok := args["group"].(string); ok && id != "" {
		return lights.InGroup(id)
	}
	return lights.All()
}

func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case nil:
		return 0, lighterr.InvalidInput("%s is required", key)
	default:
		return 0, lighterr.InvalidInput("%s must be a number, got %T", key, v)
	}
}
