package domain

// sceneByGameMode maps every recognized game mode to the engine scene the
// worker loads for it. The set is closed: a request whose gameMode is not a
// key here is rejected before any VM is touched.
var sceneByGameMode = map[string]string{
	"VersusMen_Online":   "VersusMenOnline",
	"VersusMen_Ranked":   "VersusMenOnline",
	"Survival_Online":    "SurvivalOnline",
	"Deathmatch_Online":  "DeathmatchOnline",
	"CaptureFlag_Online": "CaptureFlagOnline",
	"Training_Online":    "TrainingGrounds",
}

// SceneFor returns the scene for a game mode, and whether the mode is known.
func SceneFor(gameMode string) (string, bool) {
	scene, ok := sceneByGameMode[gameMode]
	return scene, ok
}

// KnownGameMode reports whether gameMode is in the recognized set.
func KnownGameMode(gameMode string) bool {
	_, ok := sceneByGameMode[gameMode]
	return ok
}
