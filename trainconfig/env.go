package trainconfig

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvironmentVariablePrefixRuntime is the environment variable prefix used for the "Runtime" section.
	EnvironmentVariablePrefixRuntime = UNITAB_LAUNCHER_PREFIX + "RUNTIME_"
	// EnvironmentVariablePrefixDistributed is the environment variable prefix used for the "Distributed" section.
	EnvironmentVariablePrefixDistributed = UNITAB_LAUNCHER_PREFIX + "DISTRIBUTED_"
	// EnvironmentVariablePrefixHyperparameters is the environment variable prefix used for the "Hyperparameters" section.
	EnvironmentVariablePrefixHyperparameters = UNITAB_LAUNCHER_PREFIX + "HYPERPARAMETERS_"
	// EnvironmentVariablePrefixModes is the environment variable prefix used for the "Modes" section.
	EnvironmentVariablePrefixModes = UNITAB_LAUNCHER_PREFIX + "MODES_"
	// EnvironmentVariablePrefixDataset is the environment variable prefix used for the "Dataset" section.
	EnvironmentVariablePrefixDataset = UNITAB_LAUNCHER_PREFIX + "DATASET_"
	// EnvironmentVariablePrefixDeepSpeed is the environment variable prefix used for the "DeepSpeed" section.
	EnvironmentVariablePrefixDeepSpeed = UNITAB_LAUNCHER_PREFIX + "DEEPSPEED_"
	// EnvironmentVariablePrefixColossalAI is the environment variable prefix used for the "ColossalAI" section.
	EnvironmentVariablePrefixColossalAI = UNITAB_LAUNCHER_PREFIX + "COLOSSALAI_"
	// EnvironmentVariablePrefixCheckpoint is the environment variable prefix used for the "Checkpoint" section.
	EnvironmentVariablePrefixCheckpoint = UNITAB_LAUNCHER_PREFIX + "CHECKPOINT_"
	// EnvironmentVariablePrefixS3 is the environment variable prefix used for the "S3" section.
	EnvironmentVariablePrefixS3 = UNITAB_LAUNCHER_PREFIX + "S3_"
)

// UpdateFromEnvs updates fields from environmental variables.
// Empty values are ignored and do not overwrite fields with empty values.
// WARNING: The environmental variable value always overwrites current field
// values if there's a conflict.
func (cfg *Config) UpdateFromEnvs() (err error) {
	cfg.mu.Lock()
	defer func() {
		cfg.unsafeSync()
		cfg.mu.Unlock()
	}()

	if cfg.Runtime == nil {
		cfg.Runtime = &Runtime{}
	}
	var vv interface{}
	vv, err = parseEnvs(UNITAB_LAUNCHER_PREFIX, cfg)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Config); ok {
		before := cfg.Runtime
		cfg = av
		after := cfg.Runtime
		if !reflect.DeepEqual(before, after) {
			return fmt.Errorf("Runtime overwritten [before %+v, after %+v]", before, after)
		}
	} else {
		return fmt.Errorf("expected *Config, got %T", vv)
	}

	vv, err = parseEnvs(EnvironmentVariablePrefixRuntime, cfg.Runtime)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Runtime); ok {
		cfg.Runtime = av
	} else {
		return fmt.Errorf("expected *Runtime, got %T", vv)
	}

	if cfg.Distributed == nil {
		cfg.Distributed = &Distributed{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixDistributed, cfg.Distributed)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Distributed); ok {
		cfg.Distributed = av
	} else {
		return fmt.Errorf("expected *Distributed, got %T", vv)
	}

	if cfg.Hyperparameters == nil {
		cfg.Hyperparameters = &Hyperparameters{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixHyperparameters, cfg.Hyperparameters)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Hyperparameters); ok {
		cfg.Hyperparameters = av
	} else {
		return fmt.Errorf("expected *Hyperparameters, got %T", vv)
	}

	if cfg.Modes == nil {
		cfg.Modes = &Modes{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixModes, cfg.Modes)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Modes); ok {
		cfg.Modes = av
	} else {
		return fmt.Errorf("expected *Modes, got %T", vv)
	}

	if cfg.Dataset == nil {
		cfg.Dataset = &Dataset{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixDataset, cfg.Dataset)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Dataset); ok {
		cfg.Dataset = av
	} else {
		return fmt.Errorf("expected *Dataset, got %T", vv)
	}

	if cfg.DeepSpeed == nil {
		cfg.DeepSpeed = &DeepSpeed{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixDeepSpeed, cfg.DeepSpeed)
	if err != nil {
		return err
	}
	if av, ok := vv.(*DeepSpeed); ok {
		cfg.DeepSpeed = av
	} else {
		return fmt.Errorf("expected *DeepSpeed, got %T", vv)
	}

	if cfg.ColossalAI == nil {
		cfg.ColossalAI = &ColossalAI{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixColossalAI, cfg.ColossalAI)
	if err != nil {
		return err
	}
	if av, ok := vv.(*ColossalAI); ok {
		cfg.ColossalAI = av
	} else {
		return fmt.Errorf("expected *ColossalAI, got %T", vv)
	}

	if cfg.Checkpoint == nil {
		cfg.Checkpoint = &Checkpoint{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixCheckpoint, cfg.Checkpoint)
	if err != nil {
		return err
	}
	if av, ok := vv.(*Checkpoint); ok {
		cfg.Checkpoint = av
	} else {
		return fmt.Errorf("expected *Checkpoint, got %T", vv)
	}

	if cfg.S3 == nil {
		cfg.S3 = &S3{}
	}
	vv, err = parseEnvs(EnvironmentVariablePrefixS3, cfg.S3)
	if err != nil {
		return err
	}
	if av, ok := vv.(*S3); ok {
		cfg.S3 = av
	} else {
		return fmt.Errorf("expected *S3, got %T", vv)
	}

	return nil
}

func parseEnvs(pfx string, section interface{}) (interface{}, error) {
	tp, vv := reflect.TypeOf(section).Elem(), reflect.ValueOf(section).Elem()
	for i := 0; i < tp.NumField(); i++ {
		jv := tp.Field(i).Tag.Get("json")
		if jv == "" {
			continue
		}
		jv = strings.Replace(jv, ",omitempty", "", -1)
		jv = strings.ToUpper(strings.Replace(jv, "-", "_", -1))
		env := pfx + jv
		sv := os.Getenv(env)
		if sv == "" {
			continue
		}
		if tp.Field(i).Tag.Get("read-only") == "true" { // error when read-only field is set for update
			return nil, fmt.Errorf("'%s=%s' is 'read-only' field; should not be set!", env, sv)
		}
		fieldName := tp.Field(i).Name

		switch vv.Field(i).Type().Kind() {
		case reflect.String:
			vv.Field(i).SetString(sv)

		case reflect.Bool:
			bb, err := strconv.ParseBool(sv)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetBool(bb)

		case reflect.Int, reflect.Int32, reflect.Int64:
			if vv.Field(i).Type().Name() == "Duration" {
				iv, err := time.ParseDuration(sv)
				if err != nil {
					return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
				}
				vv.Field(i).SetInt(int64(iv))
			} else {
				iv, err := strconv.ParseInt(sv, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
				}
				vv.Field(i).SetInt(iv)
			}

		case reflect.Uint, reflect.Uint32, reflect.Uint64:
			iv, err := strconv.ParseUint(sv, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetUint(iv)

		case reflect.Float32, reflect.Float64:
			fv, err := strconv.ParseFloat(sv, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %q (field name %q, environmental variable key %q, error %v)", sv, fieldName, env, err)
			}
			vv.Field(i).SetFloat(fv)

		case reflect.Slice: // only supports "[]string" for now
			ss := strings.Split(sv, ",")
			if len(ss) < 1 {
				continue
			}
			slice := reflect.MakeSlice(reflect.TypeOf([]string{}), len(ss), len(ss))
			for j := range ss {
				slice.Index(j).SetString(ss[j])
			}
			vv.Field(i).Set(slice)

		case reflect.Map:
			switch fieldName {
			case "Envs":
				vv.Field(i).Set(reflect.ValueOf(make(map[string]string)))
				for _, pair := range strings.Split(sv, ";") {
					fields := strings.Split(pair, "=")
					if len(fields) != 2 {
						return nil, fmt.Errorf("map %q for %q has unexpected format (e.g. should be 'a=b;c=d')", sv, fieldName)
					}
					vv.Field(i).SetMapIndex(reflect.ValueOf(fields[0]), reflect.ValueOf(fields[1]))
				}

			default:
				return nil, fmt.Errorf("field %q not supported for reflect.Map", fieldName)
			}

		default:
			return nil, fmt.Errorf("%q (type %v) is not supported as an env", env, vv.Field(i).Type())
		}
	}
	return section, nil
}
