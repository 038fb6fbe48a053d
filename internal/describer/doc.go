// Package describer generates short natural-language descriptions of icon
// images with a vision model.
//
// A Client sits in front of a Backend (OpenAI or Gemini) and enforces two
// limits owned by the client instance: a counting gate on in-flight calls
// and a fixed-window call counter. Callers beyond either limit block until
// admitted or until their context ends.
//
//	client, err := describer.New(ctx, cfg.Vision, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	img, err := describer.PrepareImage("icons/calculator.png", 512)
//	if err != nil {
//	    return err
//	}
//	text, err := client.Generate(ctx, img.PNG, "calculator")
//
// Generate failures are *types.ItemError values at the vision_api stage,
// so they match types.ErrGeneration with errors.Is.
package describer
