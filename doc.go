// Package precache keeps a local cache of a web application's assets in step with a
// content-hash manifest and serves requests from it.
//
// A Worker is built for one manifest, a map from resource path to content hash. Its
// lifecycle mirrors an application deployment:
//   - Install downloads the core assets into a staging cache
//   - Activate reconciles the content cache with the manifest, keeping every entry
//     whose hash is unchanged since the previous activation and evicting the rest
//   - Fetch serves requests offline-first or online-first per resource
//
// Resources come from an Origin. HTTPOrigin fetches them from a web server,
// OCIOrigin from an artifact in an OCI registry and BucketOrigin from an S3
// compatible bucket.
//
// Basic usage:
//
//	manifest, err := precache.LoadManifest(fs, "/srv/app/manifest.json")
//	if err != nil {
//	    return err
//	}
//
//	origin, err := precache.NewHTTPOrigin("https://app.example.com/", nil)
//	if err != nil {
//	    return err
//	}
//
//	w, err := precache.New(manifest,
//	    precache.WithOrigin(origin),
//	    precache.WithCore("/", "main.js", "index.html"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := w.Install(ctx); err != nil {
//	    return err
//	}
//	if _, err := w.Activate(ctx); err != nil {
//	    return err
//	}
//
//	http.ListenAndServe(":8080", precache.NewHandler(w))
package precache
